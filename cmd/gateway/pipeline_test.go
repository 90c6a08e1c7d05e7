package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"edon/pkg/connectors"
	"edon/pkg/models"
	"edon/pkg/store"
	"edon/pkg/vault"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type notFoundRow struct{}

func (notFoundRow) Scan(dest ...any) error { return pgx.ErrNoRows }

type fakePgDB struct {
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (f *fakePgDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakePgDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("not used by these tests")
}

func (f *fakePgDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.queryRowFn(ctx, sql, args...)
}

func (f *fakePgDB) Begin(ctx context.Context) (pgx.Tx, error) {
	panic("not used by these tests")
}

func intentRow(intent models.Intent) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*string) = intent.IntentID
		*dest[1].(**string) = &intent.TenantID
		*dest[2].(*string) = intent.Objective
		scopeJSON, _ := json.Marshal(intent.Scope)
		*dest[3].(*[]byte) = scopeJSON
		constraintsJSON, _ := json.Marshal(intent.Constraints)
		*dest[4].(*[]byte) = constraintsJSON
		*dest[5].(*string) = string(intent.RiskLevel)
		*dest[6].(*bool) = intent.ApprovedByUser
		*dest[7].(*string) = intent.PolicyPackName
		*dest[8].(*string) = intent.PolicyVersion
		*dest[9].(*time.Time) = time.Unix(0, 0)
		*dest[10].(*time.Time) = time.Unix(0, 0)
		return nil
	}}
}

func TestIsReadOp(t *testing.T) {
	cases := map[string]bool{
		"read": true, "GET": true, "Search": true, "summarize": true,
		"send": false, "write": false, "delete": false, "": false,
	}
	for op, want := range cases {
		if got := isReadOp(op); got != want {
			t.Errorf("isReadOp(%q) = %v, want %v", op, got, want)
		}
	}
}

func TestResolveIntent_ExplicitIntentTenantMismatch(t *testing.T) {
	other := models.Intent{IntentID: "intent-1", TenantID: "tenant-other", Scope: map[string][]string{}, Constraints: map[string]interface{}{}}
	db := &fakePgDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return intentRow(other)
	}}
	s := &Server{Store: &store.Store{DB: db}}
	_, err := s.resolveIntent(context.Background(), "tenant-mine", "intent-1", "read")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for cross-tenant intent, got %v", err)
	}
}

func TestResolveIntent_ExplicitIntentSameTenant(t *testing.T) {
	mine := models.Intent{IntentID: "intent-1", TenantID: "tenant-mine", Scope: map[string][]string{}, Constraints: map[string]interface{}{}}
	db := &fakePgDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return intentRow(mine)
	}}
	s := &Server{Store: &store.Store{DB: db}}
	got, err := s.resolveIntent(context.Background(), "tenant-mine", "intent-1", "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IntentID != "intent-1" {
		t.Fatalf("expected intent-1, got %q", got.IntentID)
	}
}

func TestResolveIntent_SynthesizesReadOnlyWhenNothingStored(t *testing.T) {
	db := &fakePgDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return notFoundRow{}
	}}
	s := &Server{Store: &store.Store{DB: db}}
	got, err := s.resolveIntent(context.Background(), "tenant-mine", "", "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ApprovedByUser {
		t.Fatal("expected synthesized intent to be unapproved")
	}
	if len(got.Scope) != 0 {
		t.Fatal("expected synthesized intent to carry no scope")
	}
}

func TestResolveIntent_RequiresIntentForNonReadOp(t *testing.T) {
	db := &fakePgDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return notFoundRow{}
	}}
	s := &Server{Store: &store.Store{DB: db}}
	_, err := s.resolveIntent(context.Background(), "tenant-mine", "", "send")
	if !errors.Is(err, ErrIntentRequired) {
		t.Fatalf("expected ErrIntentRequired, got %v", err)
	}
}

func TestResolveIntent_UsesTenantDefault(t *testing.T) {
	def := models.Intent{IntentID: "intent-default", TenantID: "tenant-mine", Scope: map[string][]string{}, Constraints: map[string]interface{}{}}
	db := &fakePgDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
		if strings.Contains(sql, "FROM tenants") {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = "tenant-mine"
				*dest[1].(*string) = "acme"
				*dest[2].(*string) = "active"
				id := "intent-default"
				*dest[3].(**string) = &id
				*dest[4].(*time.Time) = time.Unix(0, 0)
				return nil
			}}
		}
		return intentRow(def)
	}}
	s := &Server{Store: &store.Store{DB: db}}
	got, err := s.resolveIntent(context.Background(), "tenant-mine", "", "read")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IntentID != "intent-default" {
		t.Fatalf("expected tenant default intent, got %q", got.IntentID)
	}
}

type fakeCredentialStore struct {
	byToolErr error
	byIDErr   error
	byID      models.Credential
}

func (f *fakeCredentialStore) SaveCredential(ctx context.Context, c models.Credential) (models.Credential, error) {
	return c, nil
}
func (f *fakeCredentialStore) DeleteCredential(ctx context.Context, credentialID string) error {
	return nil
}
func (f *fakeCredentialStore) GetCredentialByID(ctx context.Context, credentialID string) (models.Credential, error) {
	if f.byIDErr != nil {
		return models.Credential{}, f.byIDErr
	}
	return f.byID, nil
}
func (f *fakeCredentialStore) GetCredentialByTool(ctx context.Context, toolName, tenantID string) (models.Credential, error) {
	return models.Credential{}, f.byToolErr
}
func (f *fakeCredentialStore) RecordCredentialResult(ctx context.Context, credentialID string, success bool, errMsg string) error {
	return nil
}

type fakeConnector struct {
	tool      string
	executeFn func(ctx context.Context, op string, params json.RawMessage, handle vault.Handle) (connectors.Result, error)
}

func (c *fakeConnector) Tool() string { return c.tool }

func (c *fakeConnector) Execute(ctx context.Context, op string, params json.RawMessage, handle vault.Handle) (connectors.Result, error) {
	return c.executeFn(ctx, op, params, handle)
}

func TestDispatch_UnknownToolReturnsError(t *testing.T) {
	s := &Server{Connectors: connectors.NewRegistry()}
	_, _, err := s.dispatch(context.Background(), "tenant-1", models.Action{Tool: "nope", Op: "read"})
	var unknown connectors.ErrUnknownTool
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestDispatch_CredentialsUnavailableSurfacedAs503(t *testing.T) {
	conn := &fakeConnector{tool: "email"}
	credStore := &fakeCredentialStore{byToolErr: store.ErrNotFound}
	s := &Server{
		Connectors: connectors.NewRegistry(conn),
		Vault:      &vault.Vault{Store: credStore, Strict: true},
	}
	_, status, err := s.dispatch(context.Background(), "tenant-1", models.Action{Tool: "email", Op: "draft"})
	if !errors.Is(err, ErrCredentialsUnavailable) {
		t.Fatalf("expected ErrCredentialsUnavailable, got %v", err)
	}
	if status != 503 {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestCredentialHandle_FallsBackToDefaultForClawdbot(t *testing.T) {
	credStore := &fakeCredentialStore{
		byToolErr: store.ErrNotFound,
		byID:      models.Credential{CredentialID: "cred-default", ToolName: "clawdbot", Payload: []byte(`{"token":"tok"}`)},
	}
	s := &Server{
		Vault:                       &vault.Vault{Store: credStore, Strict: true},
		DefaultClawdbotCredentialID: "cred-default",
	}
	handle, err := s.credentialHandle(context.Background(), "tenant-1", "clawdbot")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.CredentialID != "cred-default" {
		t.Fatalf("expected fallback credential, got %q", handle.CredentialID)
	}
}

func TestCredentialHandle_NoFallbackForOtherTools(t *testing.T) {
	credStore := &fakeCredentialStore{byToolErr: store.ErrNotFound}
	s := &Server{
		Vault:                       &vault.Vault{Store: credStore, Strict: true},
		DefaultClawdbotCredentialID: "cred-default",
	}
	_, err := s.credentialHandle(context.Background(), "tenant-1", "email")
	if !errors.Is(err, vault.ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing without fallback, got %v", err)
	}
}

func TestConnectorsResultForError(t *testing.T) {
	result := connectorsResultForError(errors.New("boom"))
	if result.OK {
		t.Fatal("expected OK=false")
	}
	if result.Error != "boom" {
		t.Fatalf("expected error message preserved, got %q", result.Error)
	}
}
