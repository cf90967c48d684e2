package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                      "/",
		"/metrics":                              "/metrics",
		"/api/governance/proposals":             "/api/governance/proposals",
		"/api/governance/proposals/42":          "/api/governance/proposals/:id",
		"/api/governance/proposals/42/vote":     "/api/governance/proposals/:id/vote",
		"/api/governance/proposals/42/submit-on-chain":        "/api/governance/proposals/:id/submit-on-chain",
		"/api/governance/multisig/transactions/7/execute":     "/api/governance/multisig/transactions/:index/execute",
		"/api/governance/multisig/transactions/7/revoke":      "/api/governance/multisig/transactions/:index/revoke",
		"/api/governance/remote/vote/status/abcDEF123":        "/api/governance/remote/vote/status/:session",
		"/auth/remote/status/abcDEF123":                       "/auth/remote/status/:session",
		"/api/governance/proposals?limit=10":                  "/api/governance/proposals",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
