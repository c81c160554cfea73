package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"kudos.org/internal/auth"
	"kudos.org/internal/httpapi"
	"kudos.org/internal/reputation"
	"kudos.org/internal/stream"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv("KUDOS_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	api := httpapi.New(httpapi.ReadyProbe{}, "test", reputation.NewInMemory(), stream.New())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientAwardFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	admin := New(srv.URL, WithHTTPClient(srv.Client()))
	if err := admin.Authenticate(ctx, "admin-1", nil); err != nil {
		t.Fatalf("authenticate admin: %v", err)
	}
	if err := admin.RegisterOrganization(ctx, "acme"); err != nil {
		t.Fatalf("register org: %v", err)
	}
	if err := admin.AddAwarder(ctx, "acme", "awarder-1", "First Awarder"); err != nil {
		t.Fatalf("add awarder: %v", err)
	}

	awarder := New(srv.URL, WithHTTPClient(srv.Client()))
	if err := awarder.Authenticate(ctx, "awarder-1", nil); err != nil {
		t.Fatalf("authenticate awarder: %v", err)
	}
	tx, err := awarder.Award(ctx, "acme", "alice", 100, "helpful answer")
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if tx.ID != 1 || tx.Amount != 100 {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	balance, err := awarder.Balance(ctx, "acme", "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100, got %d", balance)
	}

	details, err := awarder.BalanceDetails(ctx, "acme", "alice")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.Raw != 100 || details.Decay == nil {
		t.Fatalf("unexpected details %+v", details)
	}

	items, total, err := awarder.ListTransactions(ctx, "acme", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("expected one transaction, got total=%d items=%d", total, len(items))
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	client := New(srv.URL, WithHTTPClient(srv.Client()))
	if err := client.Authenticate(ctx, "mallory", nil); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	_, err := client.Award(ctx, "ghost", "alice", 10, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 404 {
		t.Fatalf("expected 404 for unknown org, got %d", apiErr.Status)
	}
	if apiErr.RequestID == "" {
		t.Fatalf("expected request id in error payload")
	}
}

func TestClientUnauthenticatedMutationRejected(t *testing.T) {
	srv := newTestServer(t)

	client := New(srv.URL, WithHTTPClient(srv.Client()))
	err := client.RegisterOrganization(context.Background(), "acme")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 401 {
		t.Fatalf("expected 401, got %d", apiErr.Status)
	}
}
