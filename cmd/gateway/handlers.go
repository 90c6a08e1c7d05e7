package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"edon/pkg/antibypass"
	"edon/pkg/authenticator"
	"edon/pkg/httpx"
	"edon/pkg/models"
	"edon/pkg/policypacks"
	"edon/pkg/store"
	"edon/pkg/validator"
)

var buildVersion = "dev"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"version": buildVersion})
}

// requestContext returns {"client_ip", "user_agent"} as the Context
// blob handed to the Auditor. It never carries the intent_id, which
// AuditEvent already stores as its own column.
func (s *Server) requestContext(r *http.Request) json.RawMessage {
	blob, _ := json.Marshal(map[string]string{
		"client_ip":  clientIP(r, s.TrustedProxyCIDRs),
		"user_agent": r.Header.Get("User-Agent"),
	})
	return blob
}

type intentSetRequest struct {
	Objective      string                 `json:"objective"`
	Scope          map[string][]string    `json:"scope"`
	Constraints    map[string]interface{} `json:"constraints"`
	RiskLevel      string                 `json:"risk_level"`
	ApprovedByUser bool                   `json:"approved_by_user"`
	MakeDefault    bool                   `json:"make_default"`
}

func (s *Server) handleIntentSet(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	if err := validator.ValidateJSON(body, validator.Options{Strict: true}); err != nil {
		httpx.Detail(w, http.StatusBadRequest, err.Error())
		return
	}
	var req intentSetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Objective == "" {
		httpx.Detail(w, http.StatusBadRequest, "objective is required")
		return
	}
	risk := models.RiskLevel(req.RiskLevel)
	if risk == "" {
		risk = models.RiskLow
	}

	intent := models.Intent{
		TenantID:       principal.TenantID,
		Objective:      validator.NormalizeWhitespace(req.Objective),
		Scope:          req.Scope,
		Constraints:    req.Constraints,
		RiskLevel:      risk,
		ApprovedByUser: req.ApprovedByUser,
	}
	saved, err := s.Store.SaveIntent(r.Context(), intent)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req.MakeDefault {
		if err := s.Store.SetDefaultIntent(r.Context(), principal.TenantID, saved.IntentID); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleIntentGet(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	intentID := r.URL.Query().Get("intent_id")
	var (
		intent models.Intent
		err    error
	)
	if intentID != "" {
		intent, err = s.Store.GetIntent(r.Context(), intentID)
	} else {
		intent, err = s.resolveIntent(r.Context(), principal.TenantID, "", "read")
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if intentID != "" && intent.TenantID != principal.TenantID {
		httpx.Detail(w, http.StatusNotFound, "intent not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, intent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	if err := validator.ValidateJSON(body, validator.Options{Strict: true}); err != nil {
		httpx.Detail(w, http.StatusBadRequest, err.Error())
		return
	}
	var req executeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" || req.Op == "" {
		httpx.Detail(w, http.StatusBadRequest, "tool and op are required")
		return
	}
	if err := validator.ValidateActionParams(req.Params, validator.Options{Strict: true}); err != nil {
		httpx.Detail(w, http.StatusBadRequest, err.Error())
		return
	}

	action := models.Action{
		Tool:           req.Tool,
		Op:             req.Op,
		Params:         req.Params,
		Tags:           req.Tags,
		EstimatedRisk:  models.RiskLevel(req.EstimatedRisk),
		IdempotencyKey: req.IdempotencyKey,
		Source:         models.SourceAgent,
	}

	s.serveExecute(w, r, principal, action, req.Approvals)
}

// clawdbotInvokeRequest lets an agent submit a clawdbot invocation
// without hand-building the generic executeRequest envelope.
type clawdbotInvokeRequest struct {
	Tool       string          `json:"tool"`
	Action     string          `json:"action"`
	Args       json.RawMessage `json:"args,omitempty"`
	SessionKey string          `json:"sessionKey,omitempty"`
}

func (s *Server) handleClawdbotInvoke(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	if err := validator.ValidateJSON(body, validator.Options{Strict: true}); err != nil {
		httpx.Detail(w, http.StatusBadRequest, err.Error())
		return
	}
	var req clawdbotInvokeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" {
		httpx.Detail(w, http.StatusBadRequest, "tool is required")
		return
	}
	params, err := json.Marshal(map[string]any{
		"tool":       req.Tool,
		"action":     req.Action,
		"args":       req.Args,
		"sessionKey": req.SessionKey,
	})
	if err != nil {
		httpx.Detail(w, http.StatusInternalServerError, "failed to encode invocation")
		return
	}

	action := models.Action{
		Tool:          "clawdbot",
		Op:            "invoke",
		Params:        params,
		Source:        models.SourceClawdbot,
		EstimatedRisk: models.RiskLow,
	}
	s.serveExecute(w, r, principal, action, nil)
}

func (s *Server) serveExecute(w http.ResponseWriter, r *http.Request, principal models.Principal, action models.Action, approvals []string) {
	requestIntentID := r.Header.Get("X-Intent-ID")
	reqCtx := s.requestContext(r)

	resp, status, err := s.runPipeline(r.Context(), principal, action, requestIntentID, reqCtx, approvals, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, ErrIntentRequired):
			httpx.Detail(w, http.StatusUnprocessableEntity, "no intent set for this tenant; set one with POST /intent/set")
		case errors.Is(err, ErrCredentialsUnavailable):
			httpx.WriteJSON(w, status, resp)
		case errors.Is(err, store.ErrNotFound):
			httpx.Detail(w, http.StatusNotFound, "intent not found")
		case errors.Is(err, store.ErrUnavailable):
			httpx.Detail(w, http.StatusServiceUnavailable, "store unavailable")
		default:
			httpx.Detail(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	// Every decided verdict — ALLOW, DEGRADE, ESCALATE, BLOCK, PAUSE — is a
	// successful response carrying the decision envelope. Only the
	// infrastructure failures handled above produce a non-2xx status.
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	q := r.URL.Query()
	events, err := s.Store.QueryAuditEvents(r.Context(), store.AuditEventFilters{
		TenantID: principal.TenantID,
		AgentID:  q.Get("agent_id"),
		IntentID: q.Get("intent_id"),
		Verdict:  q.Get("verdict"),
		Limit:    queryInt(q, "limit", 100),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDecisionsQuery(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	q := r.URL.Query()
	decisions, err := s.Store.QueryDecisions(r.Context(), store.DecisionFilters{
		TenantID: principal.TenantID,
		IntentID: q.Get("intent_id"),
		Verdict:  q.Get("verdict"),
		Limit:    queryInt(q, "limit", 100),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleDecisionGet(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	decision, err := s.Store.GetDecision(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if decision.TenantID != principal.TenantID {
		httpx.Detail(w, http.StatusNotFound, "decision not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, decision)
}

type credentialsSetRequest struct {
	Tool    string         `json:"tool"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleCredentialsSet(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req credentialsSetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tool == "" || len(req.Payload) == 0 {
		httpx.Detail(w, http.StatusBadRequest, "tool and payload are required")
		return
	}
	saved, err := s.Vault.Set(r.Context(), principal.TenantID, req.Tool, req.Payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"credential_id": saved.CredentialID,
		"tool_name":     saved.ToolName,
	})
}

func (s *Server) handleCredentialsDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Vault.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePolicyPacksList(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"policy_packs": policypacks.List()})
}

type policyPackApplyRequest struct {
	Objective   string `json:"objective,omitempty"`
	MakeDefault bool   `json:"make_default"`
}

func (s *Server) handlePolicyPacksApply(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	name := chi.URLParam(r, "name")
	pack, ok := policypacks.Get(name)
	if !ok {
		httpx.Detail(w, http.StatusNotFound, "unknown policy pack: "+name)
		return
	}
	var req policyPackApplyRequest
	if body, ok := readRequestBody(w, r); ok && len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Detail(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	intent := pack.ToIntent(principal.TenantID, req.Objective)
	saved, err := s.Store.SaveIntent(r.Context(), intent)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if req.MakeDefault {
		if err := s.Store.SetDefaultIntent(r.Context(), principal.TenantID, saved.IntentID); err != nil {
			writeStoreError(w, err)
			return
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, saved)
}

type clawdbotConnectRequest struct {
	BaseURL string `json:"base_url"`
	Secret  string `json:"secret"`
}

func (s *Server) handleClawdbotConnect(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req clawdbotConnectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BaseURL == "" || req.Secret == "" {
		httpx.Detail(w, http.StatusBadRequest, "base_url and secret are required")
		return
	}

	validation := antibypass.ValidateNetworkGating(req.BaseURL, s.NetworkGatingEnabled)
	if !validation.Valid {
		httpx.Detail(w, http.StatusForbidden, validation.Recommendation)
		return
	}

	saved, err := s.Vault.Set(r.Context(), principal.TenantID, "clawdbot", map[string]any{
		"base_url": req.BaseURL,
		"secret":   req.Secret,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"credential_id": saved.CredentialID,
		"reachability":  string(validation.Reachability),
		"risk":          string(validation.Risk),
	})
}

func (s *Server) handleAccountIntegrations(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	tools := []string{"clawdbot", "email", "filesystem"}
	out := make(map[string]any, len(tools))
	for _, tool := range tools {
		status, err := s.Store.GetIntegrationStatus(r.Context(), principal.TenantID, tool)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeStoreError(w, err)
			return
		}
		out[tool] = status
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"integrations": out})
}

type planRequest struct {
	Objective string           `json:"objective"`
	Actions   []executeRequest `json:"actions"`
}

type planStepResult struct {
	Tool       string            `json:"tool"`
	Op         string            `json:"op"`
	Verdict    models.Verdict    `json:"verdict"`
	ReasonCode models.ReasonCode `json:"reason_code"`
}

// handlePlan dry-runs a sequence of proposed actions against the
// tenant's active intent without dispatching to any Connector or
// writing an audit trail — a preview, not an execution.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	principal := authenticator.PrincipalFromContext(r.Context())
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req planRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Actions) == 0 {
		httpx.Detail(w, http.StatusBadRequest, "at least one action is required")
		return
	}

	intent, err := s.resolveIntent(r.Context(), principal.TenantID, r.Header.Get("X-Intent-ID"), req.Actions[0].Op)
	if err != nil {
		if errors.Is(err, ErrIntentRequired) {
			httpx.Detail(w, http.StatusUnprocessableEntity, "no intent set for this tenant; set one with POST /intent/set")
			return
		}
		writeStoreError(w, err)
		return
	}

	now := time.Now().UTC()
	steps := make([]planStepResult, 0, len(req.Actions))
	for _, a := range req.Actions {
		action := models.Action{
			ActionID:      uuid.NewString(),
			Tool:          a.Tool,
			Op:            a.Op,
			Params:        a.Params,
			EstimatedRisk: models.RiskLevel(a.EstimatedRisk),
			RequestedAt:   now,
			Source:        models.SourceAgent,
		}
		decision := s.decideOnly(intent, action, now)
		steps = append(steps, planStepResult{Tool: a.Tool, Op: a.Op, Verdict: decision.Verdict, ReasonCode: decision.ReasonCode})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"intent_id": intent.IntentID, "steps": steps})
}

func queryInt(q map[string][]string, key string, def int) int {
	values, ok := q[key]
	if !ok || len(values) == 0 || values[0] == "" {
		return def
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return def
	}
	return n
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		httpx.Detail(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		httpx.Detail(w, http.StatusConflict, "conflict")
	case errors.Is(err, store.ErrUnavailable):
		httpx.Detail(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		httpx.Detail(w, http.StatusInternalServerError, "internal error")
	}
}
