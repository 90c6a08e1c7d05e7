package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"edon/pkg/vault"
)

// ClawdbotProxy forwards a single "invoke" operation to a Clawdbot
// Gateway's /tools/invoke endpoint. Grounded on the reference
// clawdbot connector: the downstream gateway only ever accepts
// Authorization: Bearer <secret>, regardless of whether the stored
// auth_mode says "password" or "token" — both map onto the same header.
type ClawdbotProxy struct {
	HTTP *http.Client
}

// NewClawdbotProxy builds a ClawdbotProxy over client, defaulting to a
// 30s timeout client when nil is given.
func NewClawdbotProxy(client *http.Client) *ClawdbotProxy {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ClawdbotProxy{HTTP: client}
}

func (c *ClawdbotProxy) Tool() string { return "clawdbot" }

type clawdbotInvokeParams struct {
	Tool       string          `json:"tool"`
	Action     string          `json:"action"`
	Args       json.RawMessage `json:"args,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
}

type clawdbotUpstreamResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func (c *ClawdbotProxy) Execute(ctx context.Context, op string, params json.RawMessage, handle vault.Handle) (Result, error) {
	if op != "invoke" {
		return errResult(fmt.Errorf("clawdbot connector does not support op %q", op))
	}

	baseURL, _ := handle.Payload["base_url"].(string)
	secret, _ := handle.Payload["secret"].(string)
	if baseURL == "" || secret == "" {
		return errResult(fmt.Errorf("clawdbot connector not configured: credentials must be set before invoking tools"))
	}

	var in clawdbotInvokeParams
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Errorf("invalid clawdbot invoke params: %w", err))
	}
	if in.Action == "" {
		in.Action = "json"
	}
	body, err := json.Marshal(in)
	if err != nil {
		return errResult(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return errResult(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("clawdbot gateway request failed: %v", err), DownstreamDown: true}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errResult(fmt.Errorf("reading clawdbot gateway response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return Result{OK: false, Error: fmt.Sprintf("clawdbot gateway http error %d: %s", resp.StatusCode, string(respBody))}, nil
	}

	var upstream clawdbotUpstreamResponse
	if err := json.Unmarshal(respBody, &upstream); err != nil {
		return Result{OK: false, Error: "clawdbot gateway returned a non-JSON response"}, nil
	}
	if !upstream.OK {
		errMsg := upstream.Error
		if errMsg == "" {
			errMsg = "unknown clawdbot gateway error"
		}
		return Result{OK: false, Error: errMsg}, nil
	}
	return Result{OK: true, Output: upstream.Result}, nil
}
