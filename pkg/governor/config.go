package governor

import "time"

// Config tunes the thresholds Decide applies. Zero-value Config is not
// usable; use DefaultConfig to obtain sane production defaults (the same
// values the original implementation ships).
type Config struct {
	MaxActionsPerMinute        int
	LoopDetectionWindow        time.Duration
	LoopDetectionThreshold     int
	WorkHoursStart             int // 24h clock, inclusive
	WorkHoursEnd               int // 24h clock, exclusive
	EscalateRiskLevels         map[string]bool
	DangerousShellCommands     []string
	ExternalSharingPatterns    []string
	EscalateOnAmbiguousIntent  bool
}

// DefaultConfig mirrors the stock policy tuning: 30 actions/minute, a
// 5-in-10s loop threshold, 09:00-18:00 work hours, escalation on
// high/critical risk.
func DefaultConfig() Config {
	return Config{
		MaxActionsPerMinute:    30,
		LoopDetectionWindow:    10 * time.Second,
		LoopDetectionThreshold: 5,
		WorkHoursStart:         9,
		WorkHoursEnd:           18,
		EscalateRiskLevels:     map[string]bool{"high": true, "critical": true},
		DangerousShellCommands: []string{
			"rm -rf",
			"drop table",
			"; rm ",
			"mkfs",
			"dd if=",
			"format",
			"del /f /s /q",
			"shutdown",
			"reboot",
		},
		ExternalSharingPatterns: []string{
			"export",
			"upload",
			"share",
			"send_to",
			"external",
		},
	}
}
