package antibypass

import "testing"

func TestClassifyAddress_Loopback(t *testing.T) {
	reach, risk := ClassifyAddress("127.0.0.1")
	if reach != ReachabilityLoopback || risk != RiskLow {
		t.Fatalf("want loopback/low, got %s/%s", reach, risk)
	}
}

func TestClassifyAddress_PrivateRFC1918(t *testing.T) {
	reach, risk := ClassifyAddress("10.0.0.5")
	if reach != ReachabilityPrivate || risk != RiskLow {
		t.Fatalf("want private/low, got %s/%s", reach, risk)
	}
}

func TestClassifyAddress_PublicIP(t *testing.T) {
	reach, risk := ClassifyAddress("8.8.8.8")
	if reach != ReachabilityPublic || risk != RiskHigh {
		t.Fatalf("want public/high, got %s/%s", reach, risk)
	}
}

func TestClassifyAddress_InternalSuffix(t *testing.T) {
	reach, _ := ClassifyAddress("clawdbot-gateway.internal")
	if reach != ReachabilityPrivate {
		t.Fatalf("want private, got %s", reach)
	}
}

func TestValidateNetworkGating_DisabledNeverFails(t *testing.T) {
	v := ValidateNetworkGating("http://8.8.8.8:9000", false)
	if !v.Valid {
		t.Fatal("gating disabled must always be valid, even for a public host")
	}
}

func TestValidateNetworkGating_EnabledRejectsPublicHost(t *testing.T) {
	v := ValidateNetworkGating("http://8.8.8.8:9000", true)
	if v.Valid {
		t.Fatal("gating enabled must reject a public host")
	}
	if v.Risk != RiskHigh {
		t.Fatalf("expected high risk, got %s", v.Risk)
	}
}

func TestValidateNetworkGating_EnabledAcceptsLoopback(t *testing.T) {
	v := ValidateNetworkGating("http://127.0.0.1:18789", true)
	if !v.Valid {
		t.Fatalf("expected loopback to validate, got recommendation: %s", v.Recommendation)
	}
}

func TestValidateNetworkGating_EnabledRequiresBaseURL(t *testing.T) {
	v := ValidateNetworkGating("", true)
	if v.Valid {
		t.Fatal("gating enabled with no base URL must fail")
	}
}
