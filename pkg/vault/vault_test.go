package vault

import (
	"context"
	"testing"

	"edon/pkg/models"
)

type fakeStore struct {
	rows     map[string]models.Credential // keyed by tool+"|"+tenant
	saved    []models.Credential
	deleted  []string
	recorded []string
}

func key(tool, tenant string) string { return tool + "|" + tenant }

func (f *fakeStore) SaveCredential(_ context.Context, c models.Credential) (models.Credential, error) {
	if c.CredentialID == "" {
		c.CredentialID = "cred-" + c.ToolName + "-" + c.TenantID
	}
	f.saved = append(f.saved, c)
	if f.rows == nil {
		f.rows = map[string]models.Credential{}
	}
	f.rows[key(c.ToolName, c.TenantID)] = c
	return c, nil
}

func (f *fakeStore) DeleteCredential(_ context.Context, credentialID string) error {
	f.deleted = append(f.deleted, credentialID)
	return nil
}

func (f *fakeStore) GetCredentialByID(_ context.Context, credentialID string) (models.Credential, error) {
	for _, c := range f.rows {
		if c.CredentialID == credentialID {
			return c, nil
		}
	}
	return models.Credential{}, errNotFound
}

func (f *fakeStore) GetCredentialByTool(_ context.Context, toolName, tenantID string) (models.Credential, error) {
	c, ok := f.rows[key(toolName, tenantID)]
	if !ok {
		return models.Credential{}, errNotFound
	}
	return c, nil
}

func (f *fakeStore) RecordCredentialResult(_ context.Context, credentialID string, success bool, errMsg string) error {
	f.recorded = append(f.recorded, credentialID)
	return nil
}

var errNotFound = errNotFoundErr{}

type errNotFoundErr struct{}

func (errNotFoundErr) Error() string { return "not found" }

func TestGetForExecution_StrictTenantIsolation(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()
	v := &Vault{Store: store, Strict: true}

	if _, err := v.Set(ctx, "tenant_a", "clawdbot", map[string]any{"base_url": "http://a", "secret": "secret_a"}); err != nil {
		t.Fatalf("Set tenant_a: %v", err)
	}
	if _, err := v.Set(ctx, "tenant_b", "clawdbot", map[string]any{"base_url": "http://b", "secret": "secret_b"}); err != nil {
		t.Fatalf("Set tenant_b: %v", err)
	}

	h, err := v.GetForExecution(ctx, "clawdbot", "tenant_a")
	if err != nil {
		t.Fatalf("GetForExecution tenant_a: %v", err)
	}
	if h.Payload["secret"] != "secret_a" {
		t.Fatalf("expected tenant_a secret, got %v", h.Payload["secret"])
	}

	h, err = v.GetForExecution(ctx, "clawdbot", "tenant_b")
	if err != nil {
		t.Fatalf("GetForExecution tenant_b: %v", err)
	}
	if h.Payload["secret"] != "secret_b" {
		t.Fatalf("expected tenant_b secret, got %v", h.Payload["secret"])
	}

	if _, err := v.GetForExecution(ctx, "clawdbot", "tenant_c"); err == nil {
		t.Fatal("expected error for tenant with no credential and no fallback")
	}
}

func TestGetForExecution_StrictFailsClosedWithoutFallback(t *testing.T) {
	store := &fakeStore{}
	v := &Vault{Store: store, Strict: true, Env: func(string) (map[string]any, bool) {
		return map[string]any{"secret": "env-secret"}, true
	}}
	_, err := v.GetForExecution(context.Background(), "clawdbot", "tenant_a")
	if err == nil {
		t.Fatal("expected strict mode to refuse even with an Env fallback configured")
	}
}

func TestGetForExecution_NonStrictFallsBackToEnv(t *testing.T) {
	store := &fakeStore{}
	v := &Vault{Store: store, Strict: false, Env: func(tool string) (map[string]any, bool) {
		if tool != "clawdbot" {
			return nil, false
		}
		return map[string]any{"gateway_url": "http://127.0.0.1:18789", "gateway_token": "envtok"}, true
	}}
	h, err := v.GetForExecution(context.Background(), "clawdbot", "tenant_a")
	if err != nil {
		t.Fatalf("GetForExecution: %v", err)
	}
	if !h.FromEnv {
		t.Fatal("expected FromEnv true")
	}
	if h.Payload["base_url"] != "http://127.0.0.1:18789" || h.Payload["secret"] != "envtok" {
		t.Fatalf("expected legacy fields normalized, got %v", h.Payload)
	}
}

func TestGetForExecution_LegacyFieldNamesNormalized(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()
	v := &Vault{Store: store}
	store.rows = map[string]models.Credential{}
	c, _ := v.Set(ctx, "", "clawdbot", map[string]any{"gateway_url": "http://legacy", "gateway_token": "legacytok"})
	if c.ToolName != "clawdbot" {
		t.Fatalf("unexpected credential: %+v", c)
	}
	h, err := v.GetForExecution(ctx, "clawdbot", "")
	if err != nil {
		t.Fatalf("GetForExecution: %v", err)
	}
	if h.Payload["base_url"] != "http://legacy" || h.Payload["secret"] != "legacytok" {
		t.Fatalf("expected legacy fields aliased, got %v", h.Payload)
	}
}

func TestSet_EncryptsWhenKeyConfigured(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()
	encKey := make([]byte, 32)
	for i := range encKey {
		encKey[i] = byte(i)
	}
	v := &Vault{Store: store, EncryptionKey: encKey}
	if _, err := v.Set(ctx, "tenant_a", "email", map[string]any{"secret": "plain"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	stored := store.rows[key("email", "tenant_a")]
	if !stored.Encrypted {
		t.Fatal("expected Encrypted=true")
	}
	if string(stored.Payload) == `{"secret":"plain"}` {
		t.Fatal("expected payload to be sealed, not plaintext JSON")
	}
	h, err := v.GetForExecution(ctx, "email", "tenant_a")
	if err != nil {
		t.Fatalf("GetForExecution: %v", err)
	}
	if h.Payload["secret"] != "plain" {
		t.Fatalf("expected round-tripped secret, got %v", h.Payload["secret"])
	}
}

func TestRecordResult_NoOpForEnvHandle(t *testing.T) {
	store := &fakeStore{}
	v := &Vault{Store: store}
	v.RecordResult(context.Background(), Handle{FromEnv: true}, false, "boom")
	if len(store.recorded) != 0 {
		t.Fatalf("expected no RecordCredentialResult call for env handle, got %v", store.recorded)
	}
}

func TestRecordResult_RecordsForStoredHandle(t *testing.T) {
	store := &fakeStore{}
	v := &Vault{Store: store}
	v.RecordResult(context.Background(), Handle{CredentialID: "cred-1"}, true, "")
	if len(store.recorded) != 1 || store.recorded[0] != "cred-1" {
		t.Fatalf("expected RecordCredentialResult(cred-1), got %v", store.recorded)
	}
}
