// Package audit persists one AuditEvent + Decision pair per gateway
// request, in a single transaction, so the audit log and the decision
// history can never drift apart.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"edon/pkg/models"
)

type auditDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type auditTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Writer appends AuditEvent+Decision pairs to storage. Redact controls
// whether action params and the event's free-text context are hashed before they
// reach the audit_events table (used for audit_level != "detailed").
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one unit of audit work: the event and the decision it
// produced. Detailed mirrors the deciding intent's audit_level
// constraint; when true it overrides Writer.Redact for this record only,
// so a "detailed" intent still gets a full snapshot under a
// globally-redacted deployment.
type Record struct {
	Event    models.AuditEvent
	Decision models.Decision
	Detailed bool
}

// Append writes event and decision atomically. Decision.DecisionID must
// equal event.DecisionID.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.Event.DecisionID != rec.Decision.DecisionID {
		return fmt.Errorf("audit: event.DecisionID %q does not match decision.DecisionID %q", rec.Event.DecisionID, rec.Decision.DecisionID)
	}
	if w.Redact && !rec.Detailed {
		rec.Event = redactEvent(rec.Event, w.HashSalt)
	}

	tx, err := w.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	txi := tx.(auditTx)

	actionJSON, err := json.Marshal(rec.Event.Action)
	if err != nil {
		_ = txi.Rollback(ctx)
		return fmt.Errorf("audit: marshal action: %w", err)
	}

	if _, err := txi.Exec(ctx, `
		INSERT INTO audit_events
		(event_id, tenant_id, agent_id, intent_id, action, decision_id, context, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.Event.EventID, rec.Event.TenantID, nullable(rec.Event.AgentID), nullable(rec.Event.IntentID),
		actionJSON, rec.Event.DecisionID, nullableRaw(rec.Event.Context), rec.Event.LatencyMS, rec.Event.CreatedAt,
	); err != nil {
		_ = txi.Rollback(ctx)
		return fmt.Errorf("audit: insert audit_events: %w", err)
	}

	var safeAltJSON []byte
	if rec.Decision.SafeAlternative != nil {
		safeAltJSON, err = json.Marshal(rec.Decision.SafeAlternative)
		if err != nil {
			_ = txi.Rollback(ctx)
			return fmt.Errorf("audit: marshal safe alternative: %w", err)
		}
	}
	optionsJSON, err := json.Marshal(rec.Decision.EscalationOptions)
	if err != nil {
		_ = txi.Rollback(ctx)
		return fmt.Errorf("audit: marshal escalation options: %w", err)
	}

	if _, err := txi.Exec(ctx, `
		INSERT INTO decisions
		(decision_id, tenant_id, intent_id, action_fingerprint, verdict, reason_code, explanation,
		 safe_alternative, required_confirmation, policy_version, escalation_question, escalation_options,
		 result, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, rec.Decision.DecisionID, rec.Decision.TenantID, rec.Decision.IntentID, rec.Decision.ActionFingerprint,
		string(rec.Decision.Verdict), string(rec.Decision.ReasonCode), rec.Decision.Explanation,
		nullableRaw(safeAltJSON), rec.Decision.RequiredConfirm, rec.Decision.PolicyVersion,
		nullable(rec.Decision.EscalationQuestion), nullableRaw(optionsJSON),
		nullableRaw(rec.Decision.Result), rec.Decision.CreatedAt,
	); err != nil {
		_ = txi.Rollback(ctx)
		return fmt.Errorf("audit: insert decisions: %w", err)
	}

	if err := txi.Commit(ctx); err != nil {
		return fmt.Errorf("audit: commit: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
