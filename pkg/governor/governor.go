// Package governor implements the gateway's decision engine: a pure,
// deterministic function that maps one proposed Action, the tenant's
// active Intent, and a small amount of precomputed history, onto a
// Decision. It performs no I/O and holds no state between calls — the
// Pipeline is responsible for fetching the Intent, counting recent
// matching fingerprints for loop detection, and persisting the result.
package governor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"edon/pkg/models"
)

// Context carries the request-scoped facts Decide needs but cannot
// compute itself without I/O.
type Context struct {
	// Now is the time the action was requested (UTC).
	Now time.Time
	// RecentFingerprintCount is the number of decisions already
	// recorded for the same action fingerprint within
	// Config.LoopDetectionWindow, NOT including the current request.
	RecentFingerprintCount int
	// RecentActionCount is the number of actions this tenant/agent has
	// taken in the last 60 seconds, NOT including the current request.
	RecentActionCount int
	// Approvals carries confirmation choices the caller already made on
	// a prior attempt at this same action (e.g. "allow_once"), so a
	// resubmission can clear a constraint it tripped the first time.
	Approvals []string
}

func hasApproval(approvals []string, id string) bool {
	for _, a := range approvals {
		if a == id {
			return true
		}
	}
	return false
}

var actionKeywords = map[string][]string{
	"email":          {"email", "inbox", "message", "mail"},
	"calendar":       {"calendar", "meeting", "schedule", "event"},
	"file":           {"file", "document", "folder"},
	"shell":          {"command", "system", "terminal"},
	"brave_search":   {"search", "web", "research", "look up", "find"},
	"search":         {"search", "web", "research", "look up", "find"},
	"gmail":          {"gmail", "inbox", "email", "mail"},
	"google_calendar": {"calendar", "event", "schedule", "meeting"},
	"elevenlabs":     {"voice", "speech", "tts", "read aloud", "storytelling"},
	"github":         {"github", "repo", "issue", "code", "pr"},
	"memory":         {"memory", "preference", "remember", "episode", "past task"},
}

// Decide evaluates action against intent under cfg and ctx, returning an
// immutable Decision. The step order and semantics mirror the reference
// governance engine exactly; see DESIGN.md for the per-step grounding.
func Decide(cfg Config, intent models.Intent, action models.Action, ctx Context) models.Decision {
	now := ctx.Now
	if now.IsZero() {
		now = action.RequestedAt
	}

	// Step 0: compute server-side risk. Agents only ever *suggest* a
	// risk level; dangerous shell commands are always escalated to
	// critical regardless of what was claimed.
	computedRisk := action.EstimatedRisk
	if computedRisk == "" {
		computedRisk = models.RiskLow
	}
	if action.Tool == "shell" && action.Op == "run" {
		computedRisk = models.RiskCritical
	}
	if isDangerousCommand(string(action.Params), cfg.DangerousShellCommands) {
		computedRisk = models.RiskCritical
	}
	if action.Tool == "filesystem" && (action.Op == "delete" || action.Op == "write") {
		if escapesSandbox(stringParam(action.Params, "path"), stringSliceConstraint(intent.Constraints, "sandbox_roots")) {
			computedRisk = models.RiskCritical
		}
	}
	if isSendClassOp(action.Op) {
		if _, hasMax := intConstraint(intent.Constraints, "max_recipients"); !hasMax && recipientCount(action.Params) > 1 {
			computedRisk = models.RiskCritical
		} else if maxRecipients, ok := intConstraint(intent.Constraints, "max_recipients"); ok &&
			recipientCount(action.Params) > maxRecipients && !riskAtLeast(computedRisk, models.RiskHigh) {
			computedRisk = models.RiskHigh
		}
	}
	action.ComputedRisk = computedRisk

	base := models.Decision{
		TenantID:      intent.TenantID,
		IntentID:      intent.IntentID,
		PolicyVersion: intent.PolicyVersion,
		CreatedAt:     now,
	}

	// Step 1: drafts_only degrades email.send to email.draft before the
	// scope check runs, so a drafts_only intent never has to also
	// whitelist "send" in scope.
	if boolConstraint(intent.Constraints, "drafts_only") && action.Tool == "email" && action.Op == "send" {
		safe := action
		safe.Op = "draft"
		safe.Tags = append(append([]string{}, action.Tags...), "degraded")
		d := base
		d.Verdict = models.VerdictDegrade
		d.ReasonCode = models.ReasonDegradedToSafeAlternative
		d.Explanation = "intent requires drafts_only; degrading send to draft"
		d.SafeAlternative = &safe
		return d
	}

	// Step 2: scope boundary check. A scope violation that is also a
	// dangerous operation reports the risk reason, not the scope one.
	if !intent.AllowsToolOp(action.Tool, action.Op) {
		d := base
		d.Verdict = models.VerdictBlock
		if computedRisk == models.RiskCritical {
			d.ReasonCode = models.ReasonRiskTooHigh
			d.Explanation = fmt.Sprintf("dangerous operation blocked: %s.%s (also out of scope)", action.Tool, action.Op)
		} else {
			d.ReasonCode = models.ReasonScopeViolation
			d.Explanation = fmt.Sprintf("action %s.%s not in scope; allowed: %v", action.Tool, action.Op, intent.Scope[action.Tool])
		}
		return d
	}

	// Step 2.5: clawdbot invocations are further restricted by an
	// explicit block-list and allow-list of underlying tools.
	// blocked_clawdbot_tools takes precedence over allowed_*: a tool
	// present in both is blocked.
	if action.Tool == "clawdbot" && action.Op == "invoke" {
		underlying := stringParam(action.Params, "tool")
		if blocked := stringSliceConstraint(intent.Constraints, "blocked_clawdbot_tools"); containsString(blocked, underlying) {
			d := base
			d.Verdict = models.VerdictBlock
			d.ReasonCode = models.ReasonScopeViolation
			d.Explanation = fmt.Sprintf("clawdbot tool %q is blocked", underlying)
			return d
		}
		if allowed := stringSliceConstraint(intent.Constraints, "allowed_clawdbot_tools"); len(allowed) > 0 {
			if !containsString(allowed, underlying) {
				d := base
				d.Verdict = models.VerdictBlock
				d.ReasonCode = models.ReasonScopeViolation
				d.Explanation = fmt.Sprintf("clawdbot tool %q not in allowed list: %v", underlying, allowed)
				return d
			}
		}
	}

	// Step 3: work-hours constraint.
	if boolConstraint(intent.Constraints, "work_hours_only") {
		hour := now.Hour()
		if hour < cfg.WorkHoursStart || hour >= cfg.WorkHoursEnd {
			d := base
			d.Verdict = models.VerdictBlock
			d.ReasonCode = models.ReasonOutOfHours
			d.Explanation = fmt.Sprintf("action requested outside work hours (current: %02d:00, work hours: %d-%d)", hour, cfg.WorkHoursStart, cfg.WorkHoursEnd)
			return d
		}
	}

	// Step 5: loop detection. The Pipeline has already counted matching
	// fingerprints within the window; Decide just applies the threshold.
	// The threshold-th repeat still ALLOWs; the one after it PAUSEs, so
	// with the default threshold of 5 the first five identical calls go
	// through and the sixth trips loop detection.
	if ctx.RecentFingerprintCount+1 > cfg.LoopDetectionThreshold {
		d := base
		d.Verdict = models.VerdictPause
		d.ReasonCode = models.ReasonLoopDetected
		d.Explanation = fmt.Sprintf("loop detected: %s.%s repeated %d+ times in %s", action.Tool, action.Op, cfg.LoopDetectionThreshold, cfg.LoopDetectionWindow)
		return d
	}

	// Step 6: per-actor action rate, independent of the HTTP-level
	// RateLimiter (which gates on tenant/agent request volume, not on
	// this tenant's current intent).
	if ctx.RecentActionCount+1 >= cfg.MaxActionsPerMinute {
		d := base
		d.Verdict = models.VerdictPause
		d.ReasonCode = models.ReasonRateLimit
		d.Explanation = fmt.Sprintf("rate limit exceeded: %d actions per minute", cfg.MaxActionsPerMinute)
		return d
	}

	// Step 7: dangerous shell commands are blocked outright even when
	// in scope.
	if action.Tool == "shell" {
		command := stringParam(action.Params, "command")
		if command == "" {
			command = stringParam(action.Params, "cmd")
		}
		if isDangerousCommand(string(action.Params), cfg.DangerousShellCommands) {
			d := base
			d.Verdict = models.VerdictBlock
			d.ReasonCode = models.ReasonRiskTooHigh
			d.Explanation = fmt.Sprintf("dangerous shell command detected: %s", truncate(command, 50))
			return d
		}
	}

	// Step 8: data exfiltration / external sharing.
	if boolConstraint(intent.Constraints, "no_external_sharing") {
		if isExternalSharing(action.Op, action.Params, cfg.ExternalSharingPatterns) {
			d := base
			d.Verdict = models.VerdictBlock
			d.ReasonCode = models.ReasonDataExfil
			d.Explanation = fmt.Sprintf("external sharing detected in %s operation", action.Op)
			return d
		}
	}

	// Step 9: recipient fan-out ceiling. Exceeding it on a send escalates
	// for confirmation (allow once / save as draft only / keep blocking)
	// rather than blocking outright, unless the
	// caller already cleared this exact escalation with allow_once on a
	// prior attempt.
	if maxRecipients, ok := intConstraint(intent.Constraints, "max_recipients"); ok {
		if count := recipientCount(action.Params); count > maxRecipients {
			if action.Op == "send" && !hasApproval(ctx.Approvals, "allow_once") {
				d := base
				d.Verdict = models.VerdictEscalate
				d.ReasonCode = models.ReasonNeedConfirmation
				d.Explanation = fmt.Sprintf("recipient count (%d) exceeds max (%d); requires confirmation", count, maxRecipients)
				d.RequiredConfirm = true
				d.EscalationQuestion = fmt.Sprintf("send to %d recipients? (max allowed: %d)", count, maxRecipients)
				d.EscalationOptions = []models.EscalationOption{
					{ID: "allow_once", Label: "Allow once"},
					{ID: "draft_only", Label: "Save as draft only"},
					{ID: "keep_blocking", Label: "Keep blocking"},
				}
				return d
			}
		}
	}

	// Step 9.5: confirm_irreversible requires confirmation on any
	// high-or-critical risk op, with no pre-approval bypass — unlike the
	// risk-escalation gate below, this constraint has no exception for
	// an already-approved intent.
	if boolConstraint(intent.Constraints, "confirm_irreversible") && riskAtLeast(computedRisk, models.RiskHigh) {
		d := base
		d.Verdict = models.VerdictEscalate
		d.ReasonCode = models.ReasonNeedConfirmation
		d.Explanation = fmt.Sprintf("intent requires confirmation for irreversible actions (risk: %s)", computedRisk)
		d.RequiredConfirm = true
		return d
	}

	// Step 10: risk-level escalation gate. escalate_risk_levels may be
	// set per-intent, overriding the config default entirely when
	// present. A user-preapproved HIGH-risk intent is allowed through
	// without re-confirmation; CRITICAL always escalates.
	escalateRiskLevels := cfg.EscalateRiskLevels
	if levels := stringSliceConstraint(intent.Constraints, "escalate_risk_levels"); len(levels) > 0 {
		escalateRiskLevels = make(map[string]bool, len(levels))
		for _, lvl := range levels {
			escalateRiskLevels[strings.ToLower(lvl)] = true
		}
	}
	if escalateRiskLevels[string(computedRisk)] {
		if !(intent.ApprovedByUser && computedRisk == models.RiskHigh) {
			d := base
			d.Verdict = models.VerdictEscalate
			d.ReasonCode = models.ReasonNeedConfirmation
			d.Explanation = fmt.Sprintf("high/critical risk action requires user confirmation (risk: %s)", computedRisk)
			d.RequiredConfirm = true
			return d
		}
	}

	// Step 11: loose keyword alignment between the action's tool and the
	// intent's stated objective. A short, ambiguous objective escalates
	// with a clarifying question instead of blocking outright, when the
	// intent opts into that behavior.
	if !checkIntentAlignment(action.Tool, intent.Objective) {
		objective := strings.TrimSpace(intent.Objective)
		if len(objective) < 15 && boolConstraint(intent.Constraints, "escalate_on_ambiguous_intent") {
			d := base
			d.Verdict = models.VerdictEscalate
			d.ReasonCode = models.ReasonNeedConfirmation
			d.Explanation = "intent is ambiguous; please clarify"
			d.RequiredConfirm = true
			d.EscalationQuestion = "what would you like to do? (e.g. search, send email, create calendar event)"
			d.EscalationOptions = []models.EscalationOption{
				{ID: "clarify", Label: "I'll clarify"},
				{ID: "keep_blocking", Label: "Cancel"},
			}
			return d
		}
		d := base
		d.Verdict = models.VerdictBlock
		d.ReasonCode = models.ReasonIntentMismatch
		d.Explanation = fmt.Sprintf("action does not align with intent objective: %s", intent.Objective)
		return d
	}

	// Step 12: approval gate. An intent that has not been approved by its
	// owning user may still ALLOW pure reads, but anything with a side
	// effect — or anything already at medium-or-higher computed risk —
	// requires explicit confirmation first.
	if !intent.ApprovedByUser && (!isReadOp(action.Op) || riskAtLeast(computedRisk, models.RiskMedium)) {
		d := base
		d.Verdict = models.VerdictEscalate
		d.ReasonCode = models.ReasonIntentNotApproved
		d.Explanation = "intent has not been approved by the user; confirmation required before executing"
		d.RequiredConfirm = true
		return d
	}

	d := base
	d.Verdict = models.VerdictAllow
	d.ReasonCode = models.ReasonApproved
	d.Explanation = "action approved: within scope, constraints satisfied, risk acceptable"
	return d
}

var readOps = map[string]bool{
	"read": true, "get": true, "list": true, "search": true,
	"summarize": true, "view": true, "fetch": true, "query": true,
}

func isReadOp(op string) bool {
	return readOps[strings.ToLower(op)]
}

var sendClassOps = map[string]bool{
	"send": true, "create_event": true, "create_issue": true,
}

func isSendClassOp(op string) bool {
	return sendClassOps[strings.ToLower(op)]
}

// escapesSandbox reports whether path resolves outside every declared
// sandbox root. An empty root list means no sandbox has been declared,
// so any path counts as escaping it.
func escapesSandbox(path string, roots []string) bool {
	if path == "" {
		return false
	}
	if len(roots) == 0 {
		return true
	}
	clean := filepath.Clean(path)
	for _, root := range roots {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return false
		}
	}
	return true
}

var riskOrder = map[models.RiskLevel]int{
	models.RiskLow:      0,
	models.RiskMedium:   1,
	models.RiskHigh:     2,
	models.RiskCritical: 3,
}

func riskAtLeast(risk models.RiskLevel, floor models.RiskLevel) bool {
	return riskOrder[risk] >= riskOrder[floor]
}

func checkIntentAlignment(tool, objective string) bool {
	keywords, ok := actionKeywords[tool]
	if !ok || len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(objective)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isDangerousCommand(command string, dangerous []string) bool {
	if command == "" {
		return false
	}
	lower := strings.ToLower(command)
	for _, d := range dangerous {
		if strings.Contains(lower, strings.ToLower(d)) {
			return true
		}
	}
	return false
}

func isExternalSharing(op string, params []byte, patterns []string) bool {
	lowerOp := strings.ToLower(op)
	for _, p := range patterns {
		if strings.Contains(lowerOp, p) {
			return true
		}
	}
	lowerParams := strings.ToLower(string(params))
	for _, p := range patterns {
		if strings.Contains(lowerParams, p) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func boolConstraint(constraints map[string]interface{}, key string) bool {
	v, ok := constraints[key].(bool)
	return ok && v
}

func intConstraint(constraints map[string]interface{}, key string) (int, bool) {
	switch v := constraints[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func stringSliceConstraint(constraints map[string]interface{}, key string) []string {
	raw, ok := constraints[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
