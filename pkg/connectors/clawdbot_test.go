package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"edon/pkg/vault"
)

func TestClawdbotProxy_ForwardsBearerAndPayload(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{"echo": "hi"}})
	}))
	defer srv.Close()

	c := NewClawdbotProxy(srv.Client())
	handle := vault.Handle{Payload: map[string]any{"base_url": srv.URL, "secret": "s3cr3t"}}
	params, _ := json.Marshal(map[string]any{"tool": "search", "action": "run", "args": map[string]any{"q": "x"}})

	res, err := c.Execute(context.Background(), "invoke", params, handle)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok result, got %+v", res)
	}
	if gotAuth != "Bearer s3cr3t" {
		t.Fatalf("expected Authorization: Bearer s3cr3t, got %q", gotAuth)
	}
	if gotBody["tool"] != "search" {
		t.Fatalf("expected forwarded tool field, got %v", gotBody)
	}
}

func TestClawdbotProxy_UpstreamErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "downstream refused"})
	}))
	defer srv.Close()

	c := NewClawdbotProxy(srv.Client())
	handle := vault.Handle{Payload: map[string]any{"base_url": srv.URL, "secret": "s"}}
	params, _ := json.Marshal(map[string]any{"tool": "x", "action": "y"})

	res, err := c.Execute(context.Background(), "invoke", params, handle)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK || res.Error != "downstream refused" {
		t.Fatalf("expected surfaced downstream error, got %+v", res)
	}
}

func TestClawdbotProxy_MissingCredentialsRefused(t *testing.T) {
	c := NewClawdbotProxy(nil)
	params, _ := json.Marshal(map[string]any{"tool": "x", "action": "y"})
	res, err := c.Execute(context.Background(), "invoke", params, vault.Handle{Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected refusal without base_url/secret")
	}
}

func TestClawdbotProxy_UnsupportedOp(t *testing.T) {
	c := NewClawdbotProxy(nil)
	res, err := c.Execute(context.Background(), "delete", json.RawMessage(`{}`), vault.Handle{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK {
		t.Fatal("expected refusal for unsupported op")
	}
}
