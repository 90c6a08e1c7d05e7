// Package policypacks holds the fixed, named presets tenants can apply
// to materialize an Intent without hand-authoring scope/constraints.
// These are not a general policy-authoring facility — see spec.md §1
// Non-goals — just the seven shipped presets plus a few
// backwards-compatible aliases.
package policypacks

import "edon/pkg/models"

// Pack is one named preset: a scope/constraint template plus the risk
// level and preapproval it carries.
type Pack struct {
	Name           string
	Description    string
	Scope          map[string][]string
	Constraints    map[string]interface{}
	RiskLevel      models.RiskLevel
	ApprovedByUser bool
}

// ToIntent materializes the pack into an Intent for tenantID, using
// objective when given or the pack's description otherwise.
func (p Pack) ToIntent(tenantID, objective string) models.Intent {
	if objective == "" {
		objective = p.Description
	}
	return models.Intent{
		TenantID:       tenantID,
		Objective:      objective,
		Scope:          cloneScope(p.Scope),
		Constraints:    cloneConstraints(p.Constraints),
		RiskLevel:      p.RiskLevel,
		ApprovedByUser: p.ApprovedByUser,
		PolicyPackName: p.Name,
	}
}

func cloneScope(scope map[string][]string) map[string][]string {
	out := make(map[string][]string, len(scope))
	for k, v := range scope {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func cloneConstraints(c map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(c))
	for k, v := range c {
		if sl, ok := v.([]string); ok {
			cp := make([]string, len(sl))
			copy(cp, sl)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

var casualUser = Pack{
	Name:        "casual_user",
	Description: "Casual User - ultra-safe everyday use",
	Scope:       map[string][]string{"clawdbot": {"invoke"}},
	Constraints: map[string]interface{}{
		"allowed_clawdbot_tools": []string{"message", "web_read", "web_summarize", "web_draft", "web_search"},
		"blocked_clawdbot_tools": []string{"web_send", "web_delete", "web_execute", "shell_execute", "file_write", "mass_outbound", "credential_operations"},
		"confirm_irreversible":   true,
		"drafts_only":            true,
		"max_recipients":         1,
		"no_external_sharing":    true,
	},
	RiskLevel:      models.RiskLow,
	ApprovedByUser: true,
}

var marketAnalyst = Pack{
	Name:        "market_analyst",
	Description: "Market Analyst - financial research focus",
	Scope:       map[string][]string{"clawdbot": {"invoke"}},
	Constraints: map[string]interface{}{
		"allowed_clawdbot_tools": []string{"web_read", "web_search", "web_summarize", "web_draft"},
		"blocked_clawdbot_tools": []string{"message", "web_send", "web_execute", "shell_execute", "file_write", "mass_outbound", "credential_operations"},
		"confirm_irreversible":   true,
		"max_recipients":         1,
		"no_external_sharing":    true,
	},
	RiskLevel:      models.RiskLow,
	ApprovedByUser: true,
}

var opsCommander = Pack{
	Name:        "ops_commander",
	Description: "Ops Commander - workflow automation with confirmations",
	Scope: map[string][]string{
		"clawdbot": {"invoke"},
		"email":    {"draft", "read"},
		"calendar": {"view", "propose"},
	},
	Constraints: map[string]interface{}{
		"allowed_clawdbot_tools": []string{"message", "web_read", "web_search", "web_summarize", "web_draft", "calendar_view", "calendar_create"},
		"confirm_on":             []string{"web_send", "calendar_create", "file_write", "message"},
		"blocked_clawdbot_tools": []string{"web_execute", "shell_execute", "mass_outbound", "credential_operations"},
		"max_recipients":         10,
		"work_hours_only":        true,
		"no_external_sharing":    true,
	},
	RiskLevel:      models.RiskMedium,
	ApprovedByUser: true,
}

var founderMode = Pack{
	Name:        "founder_mode",
	Description: "Founder Mode - power user with conservative limits",
	Scope: map[string][]string{
		"clawdbot": {"invoke"},
		"email":    {"draft", "read"},
		"file":     {"read"},
	},
	Constraints: map[string]interface{}{
		"allowed_clawdbot_tools": []string{"message", "web_read", "web_search", "web_summarize", "web_draft", "sessions_list"},
		"confirm_on":             []string{"web_send", "file_write", "message"},
		"blocked_clawdbot_tools": []string{"web_execute", "shell_execute", "mass_outbound", "credential_operations"},
		"max_recipients":         5,
		"no_external_sharing":    true,
	},
	RiskLevel:      models.RiskMedium,
	ApprovedByUser: true,
}

var helpdesk = Pack{
	Name:        "helpdesk",
	Description: "Helpdesk - customer support focus",
	Scope: map[string][]string{
		"clawdbot": {"invoke"},
		"email":    {"draft", "read"},
	},
	Constraints: map[string]interface{}{
		"allowed_clawdbot_tools": []string{"message", "web_read", "web_search", "web_summarize", "web_draft", "sessions_list"},
		"confirm_on":             []string{"web_send", "message"},
		"blocked_clawdbot_tools": []string{"web_execute", "shell_execute", "file_write", "mass_outbound", "credential_operations"},
		"max_recipients":         3,
		"no_external_sharing":    true,
	},
	RiskLevel:      models.RiskLow,
	ApprovedByUser: true,
}

var autonomyMode = Pack{
	Name:        "autonomy_mode",
	Description: "Autonomy Mode - high-risk full co-pilot",
	Scope: map[string][]string{
		"clawdbot": {"invoke"},
		"email":    {"draft", "send", "read"},
		"file":     {"read", "write"},
	},
	Constraints: map[string]interface{}{
		"allowed_clawdbot_tools": []string{"message", "web_read", "web_search", "web_summarize", "web_draft", "web_send", "sessions_list", "calendar_view", "calendar_create"},
		"confirm_on":             []string{"web_send", "file_write", "message"},
		"blocked_clawdbot_tools": []string{"shell_execute", "mass_outbound", "credential_operations"},
		"max_recipients":         50,
		"audit_level":            "detailed",
		"work_hours_only":        false,
	},
	RiskLevel:      models.RiskHigh,
	ApprovedByUser: true,
}

// clawdbotSafe is a lockdown pack restricted to read-only clawdbot
// session management: no send/delete/execute verb of any kind is
// reachable, even if a caller tries to smuggle one past the allow-list.
var clawdbotSafe = Pack{
	Name:        "clawdbot_safe",
	Description: "Clawdbot Safe - session inspection only, no outbound actions",
	Scope:       map[string][]string{"clawdbot": {"invoke"}},
	Constraints: map[string]interface{}{
		"allowed_clawdbot_tools": []string{"sessions_list", "sessions_get", "sessions_create", "sessions_update"},
		"blocked_clawdbot_tools": []string{"message", "web_send", "web_delete", "web_execute", "shell_execute", "file_write", "mass_outbound", "credential_operations"},
		"confirm_irreversible":   true,
		"no_external_sharing":    true,
	},
	RiskLevel:      models.RiskLow,
	ApprovedByUser: true,
}

// Packs is the registry of all built-in presets, keyed by name, plus a
// handful of aliases kept for callers using the older preset naming
// (personal_safe/work_safe/ops_admin rather than
// casual_user/ops_commander/autonomy_mode). Aliases resolve to the same
// Pack value as their canonical name and are not listed separately by
// List.
var Packs = map[string]Pack{
	"casual_user":    casualUser,
	"market_analyst": marketAnalyst,
	"ops_commander":  opsCommander,
	"founder_mode":   founderMode,
	"helpdesk":       helpdesk,
	"autonomy_mode":  autonomyMode,
	"clawdbot_safe":  clawdbotSafe,
	"personal_safe":  casualUser,
	"work_safe":      opsCommander,
	"ops_admin":      autonomyMode,
}

// Get returns the named pack, or false if no such pack exists.
func Get(name string) (Pack, bool) {
	p, ok := Packs[name]
	return p, ok
}

// Summary is the listing shape returned by GET /policy-packs.
type Summary struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	RiskLevel        string `json:"risk_level"`
	ScopeToolCount   int    `json:"scope_tool_count"`
	AllowedToolCount int    `json:"allowed_tool_count"`
	BlockedToolCount int    `json:"blocked_tool_count"`
	ConfirmRequired  bool   `json:"confirm_required"`
}

// List returns summaries for the six general-purpose packs in a fixed
// order. The clawdbot_safe lockdown pack and the alias names are not
// included.
func List() []Summary {
	order := []string{"casual_user", "market_analyst", "ops_commander", "founder_mode", "helpdesk", "autonomy_mode"}
	out := make([]Summary, 0, len(order))
	for _, name := range order {
		p := Packs[name]
		allowed, _ := p.Constraints["allowed_clawdbot_tools"].([]string)
		blocked, _ := p.Constraints["blocked_clawdbot_tools"].([]string)
		_, confirmRequired := p.Constraints["confirm_on"]
		out = append(out, Summary{
			Name:             p.Name,
			Description:      p.Description,
			RiskLevel:        string(p.RiskLevel),
			ScopeToolCount:   len(p.Scope),
			AllowedToolCount: len(allowed),
			BlockedToolCount: len(blocked),
			ConfirmRequired:  confirmRequired,
		})
	}
	return out
}
