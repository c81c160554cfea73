package reputation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func seedAccounts(t *testing.T, s *InMemory, orgID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		account := Identity(fmt.Sprintf("user-%02d", i))
		if _, err := s.Award(ctx, orgID, "A1", account, 100, ""); err != nil {
			t.Fatalf("seed award %s: %v", account, err)
		}
	}
}

func TestBatchDecayRespectsBudgetAndResumes(t *testing.T) {
	s, clock := newTestService(t, WithGlobalDecayConfig(standardDecayConfig()))
	ctx := context.Background()
	seedAccounts(t, s, "acme", 10)
	clock.Advance(time.Minute)

	res, err := s.RunBatchDecay(ctx, "acme", "admin-1", "", 4, clock.Now())
	if err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if res.Done || res.Processed != 4 || res.NextCursor == "" {
		t.Fatalf("expected partial batch of 4, got %+v", res)
	}
	if res.TotalDecayed != 40 {
		t.Fatalf("expected 40 points decayed, got %d", res.TotalDecayed)
	}

	var processed = res.Processed
	cursor := res.NextCursor
	for !res.Done {
		res, err = s.RunBatchDecay(ctx, "acme", "admin-1", cursor, 4, clock.Now())
		if err != nil {
			t.Fatalf("resume batch: %v", err)
		}
		processed += res.Processed
		cursor = res.NextCursor
	}
	if processed != 10 {
		t.Fatalf("expected all 10 accounts processed once, got %d", processed)
	}
	for i := 0; i < 10; i++ {
		raw, _ := s.RawBalance(ctx, "acme", Identity(fmt.Sprintf("user-%02d", i)))
		if raw != 90 {
			t.Fatalf("account %d: expected 90, got %d", i, raw)
		}
	}
}

// Re-running with a stale cursor must not decay anyone twice: the interval
// check makes the second pass a no-op.
func TestBatchDecayStaleCursorIsSafe(t *testing.T) {
	s, clock := newTestService(t, WithGlobalDecayConfig(standardDecayConfig()))
	ctx := context.Background()
	seedAccounts(t, s, "acme", 6)
	clock.Advance(time.Minute)

	first, err := s.RunBatchDecay(ctx, "acme", "admin-1", "", 100, clock.Now())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if !first.Done || first.TotalDecayed != 60 {
		t.Fatalf("expected full run decaying 60, got %+v", first)
	}

	second, err := s.RunBatchDecay(ctx, "acme", "admin-1", "", 100, clock.Now())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.TotalDecayed != 0 {
		t.Fatalf("stale re-run must decay nothing, got %+v", second)
	}
}

func TestBatchDecayIsAdminOnly(t *testing.T) {
	s, clock := newTestService(t, WithGlobalDecayConfig(standardDecayConfig()))
	seedAccounts(t, s, "acme", 2)
	clock.Advance(time.Minute)

	if _, err := s.RunBatchDecay(context.Background(), "acme", "A1", "", 10, clock.Now()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for awarder, got %v", err)
	}
}

func TestBatchDecayRejectsBadInput(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	if _, err := s.RunBatchDecay(ctx, "acme", "admin-1", "", 0, clock.Now()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero budget, got %v", err)
	}
	if _, err := s.RunBatchDecay(ctx, "acme", "admin-1", "no separator", 5, clock.Now()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for malformed cursor, got %v", err)
	}
	if _, err := s.RunBatchDecay(ctx, "acme", "admin-1", "other\nuser", 5, clock.Now()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for foreign cursor, got %v", err)
	}
}

func TestGlobalBatchDecayWalksAllOrganizations(t *testing.T) {
	s, clock := newTestService(t, WithGlobalDecayConfig(standardDecayConfig()))
	ctx := context.Background()
	seedAccounts(t, s, "acme", 3)

	if err := s.RegisterOrganization(ctx, "beta", "admin-b"); err != nil {
		t.Fatalf("register beta: %v", err)
	}
	if err := s.AddAwarder(ctx, "beta", "admin-b", "A1", "One"); err != nil {
		t.Fatalf("add awarder: %v", err)
	}
	seedAccounts(t, s, "beta", 3)
	clock.Advance(time.Minute)

	var (
		total     int64
		processed int
		cursor    string
	)
	for {
		res, err := s.RunBatchDecay(ctx, "", "", cursor, 2, clock.Now())
		if err != nil {
			t.Fatalf("global batch: %v", err)
		}
		total += res.TotalDecayed
		processed += res.Processed
		if res.Done {
			break
		}
		cursor = res.NextCursor
	}
	if processed != 6 {
		t.Fatalf("expected 6 accounts across orgs, got %d", processed)
	}
	if total != 60 {
		t.Fatalf("expected 60 points decayed globally, got %d", total)
	}
}
