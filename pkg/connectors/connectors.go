// Package connectors implements the only code paths that ever reach a
// downstream tool. Each Connector consumes a vault.Handle it never
// stores past a single Execute call, so a credential's lifetime on the
// heap is one request.
package connectors

import (
	"context"
	"encoding/json"
	"fmt"

	"edon/pkg/vault"
)

// Result is what a Connector hands back to the pipeline after
// attempting an operation. Exactly one of Output or Error is set on
// return; Observation carries connector-specific verification data
// (e.g. an email send's message_id) independent of success/failure.
type Result struct {
	OK               bool            `json:"ok"`
	Output           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	Observation      json.RawMessage `json:"observation,omitempty"`
	DownstreamDown   bool            `json:"downstream_unavailable,omitempty"`
}

// Connector executes one op against a downstream tool using the
// credential in handle. It must never block indefinitely; ctx carries
// the caller's deadline.
type Connector interface {
	// Tool is the name this connector registers under (e.g. "clawdbot").
	Tool() string
	// Execute performs op with params, authenticating with handle.
	Execute(ctx context.Context, op string, params json.RawMessage, handle vault.Handle) (Result, error)
}

// Registry dispatches by tool name to the Connector that handles it.
type Registry struct {
	byTool map[string]Connector
}

// NewRegistry builds a Registry from a set of connectors, indexed by
// their own Tool().
func NewRegistry(conns ...Connector) *Registry {
	r := &Registry{byTool: make(map[string]Connector, len(conns))}
	for _, c := range conns {
		r.byTool[c.Tool()] = c
	}
	return r
}

// ErrUnknownTool is returned by Get when no connector is registered
// for the requested tool name.
type ErrUnknownTool struct{ Tool string }

func (e ErrUnknownTool) Error() string { return fmt.Sprintf("connectors: no connector registered for tool %q", e.Tool) }

// Get resolves the connector for tool, or ErrUnknownTool.
func (r *Registry) Get(tool string) (Connector, error) {
	c, ok := r.byTool[tool]
	if !ok {
		return nil, ErrUnknownTool{Tool: tool}
	}
	return c, nil
}

func errResult(err error) (Result, error) {
	return Result{OK: false, Error: err.Error()}, nil
}
