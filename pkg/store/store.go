// Store is the single synchronization point for gateway state: intents,
// decisions, audit history, credentials, counters and token bindings.
// Every method takes a context and returns one of the typed errors below
// so the Pipeline can map failures onto the right HTTP status without
// inspecting driver-specific error values.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"edon/pkg/models"
)

// ErrUnavailable signals the store could not be reached at all; callers
// should treat this as fatal at startup and as 503 once serving.
var ErrUnavailable = errors.New("store: unavailable")

// ErrConflict signals a uniqueness violation on write.
var ErrConflict = errors.New("store: conflict")

// ErrNotFound signals a lookup miss.
var ErrNotFound = errors.New("store: not found")

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is backed by Postgres, with an optional Redis client used as a
// fast path for atomic counters. A nil Redis client means every counter
// increment goes straight to Postgres.
type Store struct {
	DB    pgDB
	Redis *redis.Client
}

func New(pool *pgxpool.Pool, rdb *redis.Client) *Store {
	return &Store{DB: pool, Redis: rdb}
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// SaveIntent upserts intent, generating an id and bumping timestamps
// when absent.
func (s *Store) SaveIntent(ctx context.Context, intent models.Intent) (models.Intent, error) {
	now := time.Now().UTC()
	if intent.IntentID == "" {
		intent.IntentID = uuid.NewString()
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now

	scopeJSON, err := marshalOrEmpty(intent.Scope)
	if err != nil {
		return models.Intent{}, fmt.Errorf("store: marshal scope: %w", err)
	}
	constraintsJSON, err := marshalOrEmpty(intent.Constraints)
	if err != nil {
		return models.Intent{}, fmt.Errorf("store: marshal constraints: %w", err)
	}

	_, err = s.DB.Exec(ctx, `
		INSERT INTO intents
		(intent_id, tenant_id, objective, scope, constraints, risk_level, approved_by_user,
		 policy_pack_name, policy_version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (intent_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			objective = EXCLUDED.objective,
			scope = EXCLUDED.scope,
			constraints = EXCLUDED.constraints,
			risk_level = EXCLUDED.risk_level,
			approved_by_user = EXCLUDED.approved_by_user,
			policy_pack_name = EXCLUDED.policy_pack_name,
			policy_version = EXCLUDED.policy_version,
			updated_at = EXCLUDED.updated_at
	`, intent.IntentID, nullable(intent.TenantID), intent.Objective, scopeJSON, constraintsJSON,
		string(intent.RiskLevel), intent.ApprovedByUser, intent.PolicyPackName, intent.PolicyVersion,
		intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		return models.Intent{}, mapPgErr(err)
	}
	return intent, nil
}

func (s *Store) GetIntent(ctx context.Context, intentID string) (models.Intent, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT intent_id, tenant_id, objective, scope, constraints, risk_level, approved_by_user,
		       policy_pack_name, policy_version, created_at, updated_at
		FROM intents WHERE intent_id = $1
	`, intentID)
	return scanIntent(row)
}

// GetLatestIntent returns the tenant's most recently updated intent.
// tenantID may be empty to look up the most recent intent overall.
func (s *Store) GetLatestIntent(ctx context.Context, tenantID string) (models.Intent, error) {
	var row pgx.Row
	if tenantID == "" {
		row = s.DB.QueryRow(ctx, `
			SELECT intent_id, tenant_id, objective, scope, constraints, risk_level, approved_by_user,
			       policy_pack_name, policy_version, created_at, updated_at
			FROM intents ORDER BY updated_at DESC LIMIT 1
		`)
	} else {
		row = s.DB.QueryRow(ctx, `
			SELECT intent_id, tenant_id, objective, scope, constraints, risk_level, approved_by_user,
			       policy_pack_name, policy_version, created_at, updated_at
			FROM intents WHERE tenant_id = $1 ORDER BY updated_at DESC LIMIT 1
		`, tenantID)
	}
	return scanIntent(row)
}

func scanIntent(row pgx.Row) (models.Intent, error) {
	var (
		intent                     models.Intent
		tenantID                   *string
		scopeRaw, constraintsRaw   []byte
		riskLevel                  string
	)
	err := row.Scan(
		&intent.IntentID, &tenantID, &intent.Objective, &scopeRaw, &constraintsRaw, &riskLevel,
		&intent.ApprovedByUser, &intent.PolicyPackName, &intent.PolicyVersion,
		&intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		return models.Intent{}, mapPgErr(err)
	}
	if tenantID != nil {
		intent.TenantID = *tenantID
	}
	intent.RiskLevel = models.RiskLevel(riskLevel)
	if err := unmarshalOrEmpty(scopeRaw, &intent.Scope); err != nil {
		return models.Intent{}, fmt.Errorf("store: unmarshal scope: %w", err)
	}
	if err := unmarshalOrEmpty(constraintsRaw, &intent.Constraints); err != nil {
		return models.Intent{}, fmt.Errorf("store: unmarshal constraints: %w", err)
	}
	return intent, nil
}

// SaveTenant upserts a tenant row. Used by the provisioning path; never
// called from request handlers.
func (s *Store) SaveTenant(ctx context.Context, t models.Tenant) (models.Tenant, error) {
	if t.TenantID == "" {
		t.TenantID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = "active"
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO tenants (tenant_id, name, plan, status, default_intent_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name, plan = EXCLUDED.plan, status = EXCLUDED.status,
			default_intent_id = EXCLUDED.default_intent_id
	`, t.TenantID, t.Name, nullableOr(t.Name, "default"), t.Status, nullable(t.DefaultIntentID), t.CreatedAt)
	if err != nil {
		return models.Tenant{}, mapPgErr(err)
	}
	return t, nil
}

// GetTenant looks up a tenant by id.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT tenant_id, name, status, default_intent_id, created_at FROM tenants WHERE tenant_id = $1
	`, tenantID)
	var (
		t               models.Tenant
		defaultIntentID *string
	)
	if err := row.Scan(&t.TenantID, &t.Name, &t.Status, &defaultIntentID, &t.CreatedAt); err != nil {
		return models.Tenant{}, mapPgErr(err)
	}
	if defaultIntentID != nil {
		t.DefaultIntentID = *defaultIntentID
	}
	return t, nil
}

// SetDefaultIntent records intentID as tenantID's default, applied by
// PolicyPacks.Apply so future requests without X-Intent-ID resolve to it.
func (s *Store) SetDefaultIntent(ctx context.Context, tenantID, intentID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE tenants SET default_intent_id = $2 WHERE tenant_id = $1`, tenantID, intentID)
	return mapPgErr(err)
}

// GetAPIKeyTenant resolves a tenant-scoped API key's token hash to the
// owning tenant id. Returns ErrNotFound when the hash matches no row.
func (s *Store) GetAPIKeyTenant(ctx context.Context, tokenHash string) (string, error) {
	row := s.DB.QueryRow(ctx, `SELECT tenant_id FROM tenant_api_keys WHERE token_hash = $1`, tokenHash)
	var tenantID string
	if err := row.Scan(&tenantID); err != nil {
		return "", mapPgErr(err)
	}
	return tenantID, nil
}

// SaveAPIKey registers a tenant-scoped API key by its token hash.
func (s *Store) SaveAPIKey(ctx context.Context, tokenHash, tenantID string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO tenant_api_keys (token_hash, tenant_id, created_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (token_hash) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
	`, tokenHash, tenantID, time.Now().UTC())
	return mapPgErr(err)
}

// TouchAPIKey records the last time a tenant-scoped API key was used.
func (s *Store) TouchAPIKey(ctx context.Context, tokenHash string) error {
	_, err := s.DB.Exec(ctx, `UPDATE tenant_api_keys SET last_used_at = $2 WHERE token_hash = $1`, tokenHash, time.Now().UTC())
	return mapPgErr(err)
}

// AuditEventFilters narrows QueryAuditEvents; Limit is clamped to 1000.
type AuditEventFilters struct {
	TenantID string
	AgentID  string
	IntentID string
	Verdict  string
	Limit    int
}

// QueryAuditEvents requires a non-empty TenantID: every caller sits
// behind an authenticated Principal, and an unscoped query would leak
// one tenant's audit history to another's request.
func (s *Store) QueryAuditEvents(ctx context.Context, f AuditEventFilters) ([]models.AuditEvent, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("store: QueryAuditEvents requires TenantID")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `
		SELECT e.event_id, e.tenant_id, e.agent_id, e.intent_id, e.action, e.decision_id,
		       e.context, e.latency_ms, e.created_at
		FROM audit_events e
		JOIN decisions d ON d.decision_id = e.decision_id
		WHERE e.tenant_id = $1
		  AND ($2 = '' OR e.agent_id = $2)
		  AND ($3 = '' OR e.intent_id = $3)
		  AND ($4 = '' OR d.verdict = $4)
		ORDER BY e.created_at DESC
		LIMIT $5
	`
	rows, err := s.DB.Query(ctx, query, f.TenantID, f.AgentID, f.IntentID, f.Verdict, limit)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var (
			ev                  models.AuditEvent
			tenantID, agentID   *string
			intentID            *string
			actionRaw           []byte
		)
		if err := rows.Scan(&ev.EventID, &tenantID, &agentID, &intentID, &actionRaw,
			&ev.DecisionID, &ev.Context, &ev.LatencyMS, &ev.CreatedAt); err != nil {
			return nil, mapPgErr(err)
		}
		if tenantID != nil {
			ev.TenantID = *tenantID
		}
		if agentID != nil {
			ev.AgentID = *agentID
		}
		if intentID != nil {
			ev.IntentID = *intentID
		}
		if err := unmarshalOrEmpty(actionRaw, &ev.Action); err != nil {
			return nil, fmt.Errorf("store: unmarshal action: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr(err)
	}
	return events, nil
}

// DecisionFilters narrows QueryDecisions; Limit is clamped to 1000.
// TenantID is required for the same reason as AuditEventFilters.TenantID.
type DecisionFilters struct {
	TenantID string
	IntentID string
	Verdict  string
	Limit    int
}

func (s *Store) QueryDecisions(ctx context.Context, f DecisionFilters) ([]models.Decision, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("store: QueryDecisions requires TenantID")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.DB.Query(ctx, `
		SELECT decision_id, tenant_id, intent_id, action_fingerprint, verdict, reason_code,
		       explanation, safe_alternative, required_confirmation, policy_version,
		       escalation_question, escalation_options, result, created_at
		FROM decisions
		WHERE tenant_id = $1
		  AND ($2 = '' OR intent_id = $2)
		  AND ($3 = '' OR verdict = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.TenantID, f.IntentID, f.Verdict, limit)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	var decisions []models.Decision
	for rows.Next() {
		d, err := scanDecisionRow(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgErr(err)
	}
	return decisions, nil
}

// CountDecisionsByFingerprint reports how many decisions matching
// fingerprint were recorded at or after since, used by the Pipeline to
// populate Governor.Context.RecentFingerprintCount for loop detection.
func (s *Store) CountDecisionsByFingerprint(ctx context.Context, fingerprint string, since time.Time) (int, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM decisions WHERE action_fingerprint = $1 AND created_at >= $2
	`, fingerprint, since.UTC())
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, mapPgErr(err)
	}
	return count, nil
}

// CountDecisionsByTenant reports how many decisions for tenantID were
// recorded at or after since, used to populate
// Governor.Context.RecentActionCount for the per-actor action rate gate.
func (s *Store) CountDecisionsByTenant(ctx context.Context, tenantID string, since time.Time) (int, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM decisions WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since.UTC())
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, mapPgErr(err)
	}
	return count, nil
}

func (s *Store) GetDecision(ctx context.Context, decisionID string) (models.Decision, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT decision_id, tenant_id, intent_id, action_fingerprint, verdict, reason_code,
		       explanation, safe_alternative, required_confirmation, policy_version,
		       escalation_question, escalation_options, result, created_at
		FROM decisions WHERE decision_id = $1
	`, decisionID)
	return scanDecisionRow(row)
}

// decisionScanner abstracts pgx.Row and pgx.Rows, both of which expose Scan.
type decisionScanner interface {
	Scan(dest ...any) error
}

func scanDecisionRow(row decisionScanner) (models.Decision, error) {
	var (
		d                                        models.Decision
		tenantID, intentID                       *string
		safeAltRaw, optionsRaw, resultRaw         []byte
		escalationQuestion                       *string
		verdict, reasonCode                       string
	)
	err := row.Scan(
		&d.DecisionID, &tenantID, &intentID, &d.ActionFingerprint, &verdict, &reasonCode,
		&d.Explanation, &safeAltRaw, &d.RequiredConfirm, &d.PolicyVersion,
		&escalationQuestion, &optionsRaw, &resultRaw, &d.CreatedAt,
	)
	if err != nil {
		return models.Decision{}, mapPgErr(err)
	}
	if tenantID != nil {
		d.TenantID = *tenantID
	}
	if intentID != nil {
		d.IntentID = *intentID
	}
	if escalationQuestion != nil {
		d.EscalationQuestion = *escalationQuestion
	}
	d.Verdict = models.Verdict(verdict)
	d.ReasonCode = models.ReasonCode(reasonCode)
	if len(safeAltRaw) > 0 {
		var alt models.Action
		if err := unmarshalOrEmpty(safeAltRaw, &alt); err != nil {
			return models.Decision{}, fmt.Errorf("store: unmarshal safe_alternative: %w", err)
		}
		d.SafeAlternative = &alt
	}
	if len(optionsRaw) > 0 {
		if err := unmarshalOrEmpty(optionsRaw, &d.EscalationOptions); err != nil {
			return models.Decision{}, fmt.Errorf("store: unmarshal escalation_options: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		d.Result = resultRaw
	}
	return d, nil
}

// SaveCredential upserts a credential row, keyed by tool_name+tenant_id.
func (s *Store) SaveCredential(ctx context.Context, c models.Credential) (models.Credential, error) {
	now := time.Now().UTC()
	if c.CredentialID == "" {
		c.CredentialID = uuid.NewString()
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.DB.Exec(ctx, `
		INSERT INTO credentials (credential_id, tenant_id, tool_name, encrypted, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tool_name, COALESCE(tenant_id, '')) DO UPDATE SET
			encrypted = EXCLUDED.encrypted,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, c.CredentialID, nullable(c.TenantID), c.ToolName, c.Encrypted, c.Payload, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return models.Credential{}, mapPgErr(err)
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM credentials WHERE credential_id = $1`, credentialID)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCredentialByID is used only by pkg/vault at execution time. No HTTP
// handler may call this directly.
func (s *Store) GetCredentialByID(ctx context.Context, credentialID string) (models.Credential, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT credential_id, tenant_id, tool_name, encrypted, payload, last_used_at, last_success, last_error, created_at, updated_at
		FROM credentials WHERE credential_id = $1
	`, credentialID)
	return scanCredential(row)
}

// GetCredentialByTool is the lookup path used by pkg/vault.GetForExecution.
func (s *Store) GetCredentialByTool(ctx context.Context, toolName, tenantID string) (models.Credential, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT credential_id, tenant_id, tool_name, encrypted, payload, last_used_at, last_success, last_error, created_at, updated_at
		FROM credentials WHERE tool_name = $1 AND COALESCE(tenant_id, '') = $2
	`, toolName, tenantID)
	return scanCredential(row)
}

func scanCredential(row pgx.Row) (models.Credential, error) {
	var (
		c          models.Credential
		tenantID   *string
		lastError  *string
	)
	err := row.Scan(&c.CredentialID, &tenantID, &c.ToolName, &c.Encrypted, &c.Payload,
		&c.LastUsedAt, &c.LastSuccess, &lastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Credential{}, mapPgErr(err)
	}
	if tenantID != nil {
		c.TenantID = *tenantID
	}
	if lastError != nil {
		c.LastError = *lastError
	}
	return c, nil
}

// RecordCredentialResult is called after a Connector attempts to use a
// credential. A downstream failure sets last_error but never marks the
// credential unusable.
func (s *Store) RecordCredentialResult(ctx context.Context, credentialID string, success bool, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.DB.Exec(ctx, `
		UPDATE credentials SET last_used_at = $2, last_success = $3, last_error = $4, updated_at = $2
		WHERE credential_id = $1
	`, credentialID, now, success, nullable(errMsg))
	return mapPgErr(err)
}

// IntegrationStatus is returned by GetIntegrationStatus for
// /account/integrations.
type IntegrationStatus struct {
	Connected  bool
	LastUsedAt *time.Time
	LastError  string
}

// GetIntegrationStatus reports connected = last_used_at is not null;
// a populated last_error never flips connected back to false.
func (s *Store) GetIntegrationStatus(ctx context.Context, tenantID, tool string) (IntegrationStatus, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT last_used_at, last_error FROM credentials
		WHERE tool_name = $1 AND COALESCE(tenant_id, '') = $2
	`, tool, tenantID)
	var (
		lastUsedAt *time.Time
		lastError  *string
	)
	if err := row.Scan(&lastUsedAt, &lastError); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IntegrationStatus{}, nil
		}
		return IntegrationStatus{}, mapPgErr(err)
	}
	status := IntegrationStatus{Connected: lastUsedAt != nil, LastUsedAt: lastUsedAt}
	if lastError != nil {
		status.LastError = *lastError
	}
	return status, nil
}

var counterIncrScript = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return v
`)

// IncrementCounter atomically bumps key within window (identified by its
// start time) and returns the new value. It prefers Redis INCR+PEXPIRE
// when a Redis client is configured, falling back to a Postgres
// INSERT ... ON CONFLICT DO UPDATE RETURNING.
func (s *Store) IncrementCounter(ctx context.Context, key string, windowStart time.Time, ttl time.Duration) (int64, error) {
	if s.Redis != nil {
		redisKey := "ctr:" + key + ":" + windowStart.UTC().Format(time.RFC3339)
		res, err := counterIncrScript.Run(ctx, s.Redis, []string{redisKey}, int(ttl.Milliseconds())).Result()
		if err == nil {
			if v, ok := res.(int64); ok {
				return v, nil
			}
		}
	}
	expiresAt := windowStart.Add(ttl)
	row := s.DB.QueryRow(ctx, `
		INSERT INTO counters (key, window_start, value, expires_at)
		VALUES ($1,$2,1,$3)
		ON CONFLICT (key, window_start) DO UPDATE SET value = counters.value + 1
		RETURNING value
	`, key, windowStart.UTC(), expiresAt.UTC())
	var value int64
	if err := row.Scan(&value); err != nil {
		return 0, mapPgErr(err)
	}
	return value, nil
}

func (s *Store) GetCounter(ctx context.Context, key string, windowStart time.Time) (int64, error) {
	row := s.DB.QueryRow(ctx, `SELECT value FROM counters WHERE key = $1 AND window_start = $2`, key, windowStart.UTC())
	var value int64
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, mapPgErr(err)
	}
	return value, nil
}

// BindToken records the first agent a token hash is used with. Later
// calls with a different agentID should be rejected by the caller before
// BindToken is invoked again for that token hash.
func (s *Store) BindToken(ctx context.Context, tokenHash, agentID string) error {
	now := time.Now().UTC()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO token_agent_bindings (token_hash, agent_id, bound_at, touched_at)
		VALUES ($1,$2,$3,$3)
		ON CONFLICT (token_hash) DO NOTHING
	`, tokenHash, agentID, now)
	return mapPgErr(err)
}

// LookupToken returns the agent a token hash is bound to, if any.
func (s *Store) LookupToken(ctx context.Context, tokenHash string) (agentID string, lastUsedAt time.Time, err error) {
	row := s.DB.QueryRow(ctx, `SELECT agent_id, touched_at FROM token_agent_bindings WHERE token_hash = $1`, tokenHash)
	if scanErr := row.Scan(&agentID, &lastUsedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", time.Time{}, nil
		}
		return "", time.Time{}, mapPgErr(scanErr)
	}
	return agentID, lastUsedAt, nil
}

func (s *Store) TouchToken(ctx context.Context, tokenHash string) error {
	_, err := s.DB.Exec(ctx, `UPDATE token_agent_bindings SET touched_at = $2 WHERE token_hash = $1`, tokenHash, time.Now().UTC())
	return mapPgErr(err)
}

// IssueTelegramConnectCode stores a single-use, short-TTL code binding a
// tenant to a future Telegram connect callback. No HTTP endpoint reads
// this table; it exists for the connect-code issuance helper only.
func (s *Store) IssueTelegramConnectCode(ctx context.Context, tenantID string, ttl time.Duration) (models.TelegramConnectCode, error) {
	code := models.TelegramConnectCode{
		Code:      uuid.NewString(),
		TenantID:  tenantID,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO telegram_connect_codes (code, tenant_id, expires_at) VALUES ($1,$2,$3)
	`, code.Code, code.TenantID, code.ExpiresAt)
	if err != nil {
		return models.TelegramConnectCode{}, mapPgErr(err)
	}
	return code, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableOr(s, def string) any {
	if s == "" {
		return def
	}
	return s
}
