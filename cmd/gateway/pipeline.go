package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"edon/pkg/audit"
	"edon/pkg/connectors"
	"edon/pkg/governor"
	"edon/pkg/models"
	"edon/pkg/store"
	"edon/pkg/vault"
)

// pipelineReadOps mirrors governor's own (unexported) read-op set. It is
// only used to decide whether a synthesized, unapproved intent may be
// used at all — anything that isn't a plain read must wait for an
// explicit intent.
var pipelineReadOps = map[string]bool{
	"read": true, "get": true, "list": true, "search": true,
	"summarize": true, "view": true, "fetch": true, "query": true,
}

func isReadOp(op string) bool {
	return pipelineReadOps[strings.ToLower(op)]
}

// executeRequest is the body of POST /execute and, after unwrapping,
// POST /clawdbot/invoke.
type executeRequest struct {
	Tool           string          `json:"tool"`
	Op             string          `json:"op"`
	Params         json.RawMessage `json:"params"`
	EstimatedRisk  string          `json:"estimated_risk,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	// Approvals carries prior confirmation choices (e.g. "allow_once")
	// back to the Governor on a resubmitted action, so a second attempt
	// at an over-limit send can clear the same ESCALATE it hit before.
	Approvals []string `json:"approvals,omitempty"`
}

// escalation is the nested prompt a caller resolves an ESCALATE verdict
// with; it is only ever populated alongside models.VerdictEscalate.
type escalation struct {
	Question string                    `json:"question"`
	Options  []models.EscalationOption `json:"options"`
}

// executeResponse is the shape both /execute and /clawdbot/invoke return.
// Execution is present if and only if the verdict is ALLOW or DEGRADE;
// Escalation is present if and only if the verdict is ESCALATE.
type executeResponse struct {
	DecisionID      string             `json:"decision_id"`
	Verdict         models.Verdict     `json:"verdict"`
	ReasonCode      models.ReasonCode  `json:"reason_code"`
	Explanation     string             `json:"explanation"`
	SafeAlternative *models.Action     `json:"safe_alternative,omitempty"`
	RequiredConfirm bool               `json:"required_confirmation,omitempty"`
	Escalation      *escalation        `json:"escalation,omitempty"`
	Execution       *connectors.Result `json:"execution,omitempty"`
}

// ErrIntentRequired signals no intent could be resolved and the
// requested op is not a bare read, so the pipeline refuses to
// synthesize one.
var ErrIntentRequired = errors.New("pipeline: no intent set for tenant and op is not a read")

// ErrCredentialsUnavailable is returned when CREDENTIALS_STRICT blocks a
// connector dispatch that would otherwise have run. The caller must
// still audit the decision and answer 503, per the fail-closed
// invariant on credential lookups.
var ErrCredentialsUnavailable = errors.New("pipeline: credential unavailable under strict mode")

// runPipeline resolves the tenant's active intent, computes the
// Governor's decision for action, dispatches to a Connector when the
// verdict allows it, and writes exactly one AuditEvent+Decision pair
// before returning. now is threaded through explicitly so tests never
// depend on wall-clock time.
func (s *Server) runPipeline(ctx context.Context, principal models.Principal, action models.Action, requestIntentID string, reqCtx json.RawMessage, approvals []string, now time.Time) (executeResponse, int, error) {
	intent, err := s.resolveIntent(ctx, principal.TenantID, requestIntentID, action.Op)
	if err != nil {
		return executeResponse{}, 0, err
	}

	action.RequestedAt = now
	if action.ActionID == "" {
		action.ActionID = uuid.NewString()
	}
	if action.Source == "" {
		action.Source = models.SourceAgent
	}

	fingerprint, err := action.Fingerprint(intent.IntentID)
	if err != nil {
		return executeResponse{}, 0, fmt.Errorf("pipeline: fingerprint: %w", err)
	}

	fpCount, err := s.Store.CountDecisionsByFingerprint(ctx, fingerprint, now.Add(-s.GovernorConfig.LoopDetectionWindow))
	if err != nil {
		return executeResponse{}, 0, err
	}
	actionCount, err := s.Store.CountDecisionsByTenant(ctx, principal.TenantID, now.Add(-time.Minute))
	if err != nil {
		return executeResponse{}, 0, err
	}

	decision := governor.Decide(s.GovernorConfig, intent, action, governor.Context{
		Now:                    now,
		RecentFingerprintCount: fpCount,
		RecentActionCount:      actionCount,
		Approvals:              approvals,
	})
	decision.DecisionID = uuid.NewString()
	decision.ActionFingerprint = fingerprint

	var (
		execResult *connectors.Result
		httpStatus = http200
		pipelineErr error
	)

	if decision.Verdict == models.VerdictAllow || decision.Verdict == models.VerdictDegrade {
		dispatchAction := action
		if decision.Verdict == models.VerdictDegrade && decision.SafeAlternative != nil {
			dispatchAction = *decision.SafeAlternative
		}
		result, status, derr := s.dispatch(ctx, principal.TenantID, dispatchAction)
		switch {
		case derr != nil && errors.Is(derr, ErrCredentialsUnavailable):
			httpStatus = status
			pipelineErr = derr
		case derr != nil:
			// A connector or lookup failure that is not a credential
			// problem (e.g. no connector registered for the tool) is
			// still recorded: the decision already ALLOWed the action,
			// so the audit trail must reflect that execution was
			// attempted and failed, not that nothing happened.
			result = connectorsResultForError(derr)
			execResult = &result
			if resultJSON, merr := json.Marshal(result); merr == nil {
				decision.Result = resultJSON
			}
		default:
			execResult = &result
			resultJSON, merr := json.Marshal(result)
			if merr == nil {
				decision.Result = resultJSON
			}
		}
	}

	event := models.AuditEvent{
		EventID:    uuid.NewString(),
		TenantID:   principal.TenantID,
		AgentID:    principal.AgentID,
		IntentID:   intent.IntentID,
		Action:     action,
		DecisionID: decision.DecisionID,
		Context:    reqCtx,
		LatencyMS:  time.Since(now).Milliseconds(),
		CreatedAt:  now,
	}

	auditLevel, _ := intent.Constraints["audit_level"].(string)
	if err := s.Audit.Append(ctx, audit.Record{Event: event, Decision: decision, Detailed: auditLevel == "detailed"}); err != nil {
		return executeResponse{}, 0, fmt.Errorf("pipeline: audit append: %w", err)
	}

	s.Metrics.IncVerdictReason(string(decision.Verdict), string(decision.ReasonCode))

	resp := executeResponse{
		DecisionID:      decision.DecisionID,
		Verdict:         decision.Verdict,
		ReasonCode:      decision.ReasonCode,
		Explanation:     decision.Explanation,
		SafeAlternative: decision.SafeAlternative,
		RequiredConfirm: decision.RequiredConfirm,
		Execution:       execResult,
	}
	if decision.Verdict == models.VerdictEscalate {
		resp.Escalation = &escalation{
			Question: decision.EscalationQuestion,
			Options:  decision.EscalationOptions,
		}
	}

	if pipelineErr != nil {
		return resp, httpStatus, pipelineErr
	}
	return resp, http200, nil
}

const http200 = 200

func connectorsResultForError(err error) connectors.Result {
	return connectors.Result{OK: false, Error: err.Error()}
}

// resolveIntent finds the tenant's active intent in priority order:
// an explicit X-Intent-ID header, the tenant's stored default, its
// most recently updated intent, or — only for read ops — a synthesized,
// unapproved intent with an empty scope. The Governor's scope check
// blocks every action under that empty scope, reads included.
func (s *Server) resolveIntent(ctx context.Context, tenantID, requestIntentID, op string) (models.Intent, error) {
	if requestIntentID != "" {
		intent, err := s.Store.GetIntent(ctx, requestIntentID)
		if err != nil {
			return models.Intent{}, err
		}
		if intent.TenantID != tenantID {
			return models.Intent{}, store.ErrNotFound
		}
		return intent, nil
	}

	tenant, err := s.Store.GetTenant(ctx, tenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.Intent{}, err
	}
	if tenant.DefaultIntentID != "" {
		intent, err := s.Store.GetIntent(ctx, tenant.DefaultIntentID)
		if err == nil {
			return intent, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.Intent{}, err
		}
	}

	intent, err := s.Store.GetLatestIntent(ctx, tenantID)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Intent{}, err
	}

	if !isReadOp(op) {
		return models.Intent{}, ErrIntentRequired
	}
	return models.Intent{
		TenantID:       tenantID,
		Objective:      "unscoped read-only access (no intent set)",
		Scope:          map[string][]string{},
		Constraints:    map[string]interface{}{},
		RiskLevel:      models.RiskLow,
		ApprovedByUser: false,
	}, nil
}

// decideOnly evaluates the Governor for a plan preview step, without
// consulting fingerprint/rate history or writing an audit trail. It is
// only ever used by POST /plan, which is a dry run by definition.
func (s *Server) decideOnly(intent models.Intent, action models.Action, now time.Time) models.Decision {
	return governor.Decide(s.GovernorConfig, intent, action, governor.Context{Now: now})
}

// dispatch resolves credentials and invokes the Connector for tool. A
// CREDENTIALS_STRICT failure returns ErrCredentialsUnavailable with 503
// rather than a hard error, so the caller can still audit the attempt.
func (s *Server) dispatch(ctx context.Context, tenantID string, action models.Action) (connectors.Result, int, error) {
	conn, err := s.Connectors.Get(action.Tool)
	if err != nil {
		return connectors.Result{}, 0, err
	}

	handle, err := s.credentialHandle(ctx, tenantID, action.Tool)
	if err != nil {
		if errors.Is(err, vault.ErrCredentialMissing) {
			return connectors.Result{}, 503, fmt.Errorf("%w: %s", ErrCredentialsUnavailable, err)
		}
		return connectors.Result{}, 0, err
	}

	result, err := conn.Execute(ctx, action.Op, action.Params, handle)
	if err != nil {
		return connectors.Result{}, 0, err
	}
	s.Vault.RecordResult(ctx, handle, result.OK, result.Error)
	return result, 200, nil
}

// credentialHandle resolves the vault handle for tool, falling back to
// DefaultClawdbotCredentialID only for the clawdbot tool when no
// tenant-scoped credential exists and one was configured.
func (s *Server) credentialHandle(ctx context.Context, tenantID, tool string) (vault.Handle, error) {
	handle, err := s.Vault.GetForExecution(ctx, tool, tenantID)
	if err == nil {
		return handle, nil
	}
	if tool == "clawdbot" && s.DefaultClawdbotCredentialID != "" && errors.Is(err, vault.ErrCredentialMissing) {
		return s.Vault.GetByID(ctx, s.DefaultClawdbotCredentialID)
	}
	return vault.Handle{}, err
}
