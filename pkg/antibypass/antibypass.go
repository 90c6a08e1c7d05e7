// Package antibypass classifies the reachability of connector upstream
// hosts, so the gateway can refuse to start (or warn loudly) when a
// downstream tool gateway is left publicly reachable — which would let
// an agent skip the gateway entirely and call the tool directly.
package antibypass

import (
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// Reachability classifies how a host can be reached.
type Reachability string

const (
	ReachabilityLoopback Reachability = "loopback"
	ReachabilityPrivate  Reachability = "private"
	ReachabilityPublic   Reachability = "public"
	ReachabilityUnknown  Reachability = "unknown"
)

// RiskLevel is derived from Reachability: public or unresolvable hosts
// are high risk, everything else is low.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
)

// resolveHost is overridable in tests to avoid real DNS lookups.
var resolveHost = net.LookupHost

// ClassifyAddress reports the reachability and risk of host, which may
// be an IP literal or a DNS name.
func ClassifyAddress(host string) (Reachability, RiskLevel) {
	lower := strings.ToLower(host)
	switch lower {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return ReachabilityLoopback, RiskLow
	}
	if strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".local") || strings.HasPrefix(lower, "clawdbot-gateway") {
		return ReachabilityPrivate, RiskLow
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return classifyIP(addr)
	}

	addrs, err := resolveHost(host)
	if err != nil || len(addrs) == 0 {
		return ReachabilityUnknown, RiskHigh
	}
	addr, err := netip.ParseAddr(addrs[0])
	if err != nil {
		return ReachabilityUnknown, RiskHigh
	}
	return classifyIP(addr)
}

func classifyIP(addr netip.Addr) (Reachability, RiskLevel) {
	switch {
	case addr.IsLoopback():
		return ReachabilityLoopback, RiskLow
	case addr.IsPrivate(), addr.IsLinkLocalUnicast():
		return ReachabilityPrivate, RiskLow
	case addr.IsGlobalUnicast():
		return ReachabilityPublic, RiskHigh
	default:
		return ReachabilityPrivate, RiskLow
	}
}

// ParseHost extracts the hostname from a connector base URL.
func ParseHost(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Validation is the result of checking one connector's configured base
// URL against the NETWORK_GATING policy.
type Validation struct {
	Valid          bool
	Reachability   Reachability
	Risk           RiskLevel
	Recommendation string
}

// ValidateNetworkGating checks baseURL when gatingEnabled is set. When
// gating is disabled it still classifies the host (for /account/integrations
// reporting) but never fails validation.
func ValidateNetworkGating(baseURL string, gatingEnabled bool) Validation {
	if !gatingEnabled {
		if baseURL == "" {
			return Validation{Valid: true, Reachability: ReachabilityUnknown, Risk: RiskLow}
		}
		host := ParseHost(baseURL)
		reach, risk := ClassifyAddress(host)
		return Validation{Valid: true, Reachability: reach, Risk: risk}
	}

	if baseURL == "" {
		return Validation{
			Valid: false, Reachability: ReachabilityUnknown, Risk: RiskHigh,
			Recommendation: "network gating enabled but the connector base URL is not configured; " +
				"configure it via /integrations/clawdbot/connect or CLAWDBOT_GATEWAY_URL.",
		}
	}
	host := ParseHost(baseURL)
	if host == "" {
		return Validation{
			Valid: false, Reachability: ReachabilityUnknown, Risk: RiskHigh,
			Recommendation: "invalid connector base URL: " + baseURL,
		}
	}
	reach, risk := ClassifyAddress(host)
	if risk == RiskHigh || reach == ReachabilityPublic {
		return Validation{
			Valid: false, Reachability: reach, Risk: risk,
			Recommendation: "connector gateway is publicly reachable, which lets agents bypass this gateway; " +
				"put it on a private network or loopback interface.",
		}
	}
	if reach == ReachabilityUnknown {
		return Validation{
			Valid: false, Reachability: reach, Risk: risk,
			Recommendation: "could not determine reachability of " + host + "; use a private address or loopback interface.",
		}
	}
	return Validation{Valid: true, Reachability: reach, Risk: risk}
}
