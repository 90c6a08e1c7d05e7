package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"edon/pkg/vault"
)

// EmailConnector drafts to a sandbox directory and sends over SMTP
// using credentials resolved through the vault. draft never touches
// the network; send does, and always attaches a {verified, message_id}
// observation.
type EmailConnector struct {
	SandboxDir string
	// SendMail is swappable in tests; defaults to net/smtp.SendMail.
	SendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailConnector builds an EmailConnector that drafts into
// sandboxDir/emails and sends real mail via SMTP.
func NewEmailConnector(sandboxDir string) *EmailConnector {
	return &EmailConnector{SandboxDir: sandboxDir, SendMail: smtp.SendMail}
}

func (c *EmailConnector) Tool() string { return "email" }

type emailParams struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
}

func (c *EmailConnector) Execute(ctx context.Context, op string, params json.RawMessage, handle vault.Handle) (Result, error) {
	var in emailParams
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult(fmt.Errorf("invalid email params: %w", err))
	}
	if len(in.Recipients) == 0 {
		return errResult(fmt.Errorf("email requires at least one recipient"))
	}

	switch op {
	case "draft":
		return c.draft(in)
	case "send":
		return c.send(in, handle)
	default:
		return errResult(fmt.Errorf("email connector does not support op %q", op))
	}
}

func (c *EmailConnector) draft(in emailParams) (Result, error) {
	dir := filepath.Join(c.SandboxDir, "emails")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errResult(fmt.Errorf("email connector: preparing sandbox: %w", err))
	}
	draftID := "draft_" + uuid.NewString()
	path := filepath.Join(dir, draftID+".json")
	record := map[string]any{
		"draft_id":   draftID,
		"recipients": in.Recipients,
		"subject":    in.Subject,
		"body":       in.Body,
		"created_at": time.Now().UTC(),
		"status":     "draft",
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errResult(err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errResult(fmt.Errorf("email connector: writing draft: %w", err))
	}
	output, _ := json.Marshal(map[string]any{"draft_id": draftID, "path": path})
	return Result{OK: true, Output: output}, nil
}

func (c *EmailConnector) send(in emailParams, handle vault.Handle) (Result, error) {
	host, _ := handle.Payload["smtp_host"].(string)
	port, _ := handle.Payload["smtp_port"].(string)
	user, _ := handle.Payload["smtp_user"].(string)
	pass, _ := handle.Payload["smtp_password"].(string)
	if host == "" {
		return errResult(fmt.Errorf("email connector not configured: smtp_host missing"))
	}
	if port == "" {
		port = "587"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return errResult(fmt.Errorf("email connector: invalid smtp_port %q", port))
	}

	addr := host + ":" + port
	var auth smtp.Auth
	if user != "" {
		auth = smtp.PlainAuth("", user, pass, host)
	}
	msg := buildRFC822(user, in.Recipients, in.Subject, in.Body)

	messageID := "msg_" + uuid.NewString()
	if err := c.SendMail(addr, auth, user, in.Recipients, msg); err != nil {
		return Result{OK: false, Error: fmt.Sprintf("smtp send failed: %v", err), DownstreamDown: true}, nil
	}

	output, _ := json.Marshal(map[string]any{"message_id": messageID, "recipient_count": len(in.Recipients)})
	observation, _ := json.Marshal(map[string]any{"verified": true, "message_id": messageID})
	return Result{OK: true, Output: output, Observation: observation}, nil
}

func buildRFC822(from string, to []string, subject, body string) []byte {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", from, joinAddrs(to), subject, body)
	return []byte(msg)
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}
