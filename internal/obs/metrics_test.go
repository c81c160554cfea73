package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/v1/orgs", "/v1/orgs"},
		{"/v1/orgs/acme", "/v1/orgs/:org"},
		{"/v1/orgs/acme/stats", "/v1/orgs/:org/stats"},
		{"/v1/orgs/acme/accounts/u1/balance", "/v1/orgs/:org/accounts/:account/balance"},
		{"/v1/orgs/acme/transactions", "/v1/orgs/:org/transactions"},
		{"/v1/orgs/acme/transactions/42", "/v1/orgs/:org/transactions/:id"},
		{"/v1/orgs/acme/transactions?limit=10", "/v1/orgs/:org/transactions"},
		{"/v1/orgs/acme/awarders/a1", "/v1/orgs/:org/awarders/:identity"},
		{"/v1/decay-config", "/v1/decay-config"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
