package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"edon/pkg/models"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePgDB struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (f *fakePgDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return f.execFn(ctx, sql, args...)
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

func TestGetTenant_ScansDefaultIntentID(t *testing.T) {
	db := &fakePgDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = "tenant-1"
				*dest[1].(*string) = "acme"
				*dest[2].(*string) = "active"
				intentID := "intent-9"
				*dest[3].(**string) = &intentID
				*dest[4].(*time.Time) = time.Unix(0, 0)
				return nil
			}}
		},
	}
	s := &Store{DB: db}
	tenant, err := s.GetTenant(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tenant.DefaultIntentID != "intent-9" {
		t.Fatalf("expected default_intent_id populated, got %q", tenant.DefaultIntentID)
	}
}

func TestGetTenant_NilDefaultIntentID(t *testing.T) {
	db := &fakePgDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*string) = "tenant-1"
				*dest[1].(*string) = "acme"
				*dest[2].(*string) = "active"
				*dest[3].(**string) = nil
				*dest[4].(*time.Time) = time.Unix(0, 0)
				return nil
			}}
		},
	}
	s := &Store{DB: db}
	tenant, err := s.GetTenant(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tenant.DefaultIntentID != "" {
		t.Fatalf("expected empty default_intent_id, got %q", tenant.DefaultIntentID)
	}
}

func TestSetDefaultIntent_ExecutesUpdate(t *testing.T) {
	var gotArgs []any
	db := &fakePgDB{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotArgs = args
			return pgconn.CommandTag{}, nil
		},
	}
	s := &Store{DB: db}
	if err := s.SetDefaultIntent(context.Background(), "tenant-1", "intent-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "tenant-1" || gotArgs[1] != "intent-9" {
		t.Fatalf("unexpected args: %v", gotArgs)
	}
}

func TestCountDecisionsByFingerprint(t *testing.T) {
	db := &fakePgDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*int) = 4
				return nil
			}}
		},
	}
	s := &Store{DB: db}
	count, err := s.CountDecisionsByFingerprint(context.Background(), "fp-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 4 {
		t.Fatalf("expected 4, got %d", count)
	}
}

func TestCountDecisionsByTenant(t *testing.T) {
	db := &fakePgDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*int) = 7
				return nil
			}}
		},
	}
	s := &Store{DB: db}
	count, err := s.CountDecisionsByTenant(context.Background(), "tenant-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected 7, got %d", count)
	}
}

func TestSaveCredential_GeneratesIDWhenAbsent(t *testing.T) {
	db := &fakePgDB{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, nil
		},
	}
	s := &Store{DB: db}
	c, err := s.SaveCredential(context.Background(), models.Credential{ToolName: "email", Payload: []byte("{}")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.CredentialID == "" {
		t.Fatal("expected generated credential id")
	}
}

func TestQueryAuditEvents_RequiresTenantID(t *testing.T) {
	db := &fakePgDB{}
	s := &Store{DB: db}
	if _, err := s.QueryAuditEvents(context.Background(), AuditEventFilters{}); err == nil {
		t.Fatal("expected error for empty TenantID")
	}
}

func TestQueryDecisions_RequiresTenantID(t *testing.T) {
	db := &fakePgDB{}
	s := &Store{DB: db}
	if _, err := s.QueryDecisions(context.Background(), DecisionFilters{}); err == nil {
		t.Fatal("expected error for empty TenantID")
	}
}
