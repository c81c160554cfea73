package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"kudos.org/internal/reputation"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func expectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegisterOrganization(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into organizations").
		WithArgs("acme", "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RegisterOrganization(context.Background(), "acme", "admin-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	expectations(t, mock)
}

func TestRegisterOrganizationConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into organizations").
		WithArgs("acme", "admin-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.RegisterOrganization(context.Background(), "acme", "admin-1")
	if !errors.Is(err, reputation.ErrOrgExists) {
		t.Fatalf("expected ErrOrgExists, got %v", err)
	}
	expectations(t, mock)
}

func TestAwardHappyPath(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select admin from organizations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"admin"}).AddRow("admin-1"))
	mock.ExpectQuery("select 1 from awarders").
		WithArgs("acme", "awarder-1").
		WillReturnRows(sqlmock.NewRows([]string{"?"}).AddRow(1))
	mock.ExpectQuery("select cap_per_awarder, cap_global").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"cap_per_awarder", "cap_global"}).AddRow(0, 0))
	mock.ExpectQuery("from transactions where org_id").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("insert into transactions").
		WithArgs("acme", uint64(1), "award", "awarder-1", "alice", int64(100), "great review", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into balances").
		WithArgs("acme", "alice", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into decay_info").
		WithArgs("acme", "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update organizations set total_awarded").
		WithArgs("acme", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into minted").
		WithArgs("acme", sqlmock.AnyArg(), "awarder-1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.Award(context.Background(), "acme", "awarder-1", "alice", 100, "great review")
	if err != nil {
		t.Fatalf("award: %v", err)
	}
	if tx.ID != 1 || tx.Type != reputation.TxAward || tx.Amount != 100 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	expectations(t, mock)
}

func TestAwardRejectsNonAwarder(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select admin from organizations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"admin"}).AddRow("admin-1"))
	mock.ExpectQuery("select 1 from awarders").
		WithArgs("acme", "mallory").
		WillReturnRows(sqlmock.NewRows([]string{"?"}))
	mock.ExpectRollback()

	_, err := store.Award(context.Background(), "acme", "mallory", "alice", 10, "")
	if !errors.Is(err, reputation.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	expectations(t, mock)
}

func TestAwardCapExceeded(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select admin from organizations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"admin"}).AddRow("admin-1"))
	mock.ExpectQuery("select 1 from awarders").
		WithArgs("acme", "awarder-1").
		WillReturnRows(sqlmock.NewRows([]string{"?"}).AddRow(1))
	mock.ExpectQuery("select cap_per_awarder, cap_global").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"cap_per_awarder", "cap_global"}).AddRow(100, 0))
	mock.ExpectQuery("from minted where org_id").
		WithArgs("acme", sqlmock.AnyArg(), "awarder-1").
		WillReturnRows(sqlmock.NewRows([]string{"by_awarder", "total"}).AddRow(80, 80))
	mock.ExpectRollback()

	_, err := store.Award(context.Background(), "acme", "awarder-1", "alice", 30, "")
	if !errors.Is(err, reputation.ErrCapExceeded) {
		t.Fatalf("expected ErrCapExceeded, got %v", err)
	}
	expectations(t, mock)
}

func TestRevokeClampsBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select admin from organizations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"admin"}).AddRow("admin-1"))
	mock.ExpectQuery("select 1 from awarders").
		WithArgs("acme", "awarder-1").
		WillReturnRows(sqlmock.NewRows([]string{"?"}).AddRow(1))
	mock.ExpectQuery("from transactions where org_id").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectExec("insert into transactions").
		WithArgs("acme", uint64(2), "revoke", "awarder-1", "alice", int64(500), "fraud", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("from balances where org_id").
		WithArgs("acme", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(90))
	// Only the held 90 points come off the balance.
	mock.ExpectExec("insert into balances").
		WithArgs("acme", "alice", int64(-90)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into decay_info").
		WithArgs("acme", "alice", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update organizations set total_revoked").
		WithArgs("acme", int64(90)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := store.Revoke(context.Background(), "acme", "awarder-1", "alice", 500, "fraud")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if tx.Amount != 500 {
		t.Fatalf("ledger must record the requested amount, got %d", tx.Amount)
	}
	expectations(t, mock)
}

func TestGetTransactionNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select 1 from organizations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"?"}).AddRow(1))
	mock.ExpectQuery("from transactions where org_id").
		WithArgs("acme", uint64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "from_identity", "to_identity", "amount", "reason", "created_at"}))

	_, err := store.GetTransaction(context.Background(), "acme", 99)
	if !errors.Is(err, reputation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectations(t, mock)
}

func TestEffectiveDecayConfigFallsBackToGlobal(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select 1 from organizations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"?"}).AddRow(1))
	mock.ExpectQuery("from decay_configs where org_id").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"rate", "interval_seconds", "min_threshold", "grace_period_seconds", "enabled"}))
	mock.ExpectQuery("from decay_configs where org_id").
		WithArgs("").
		WillReturnRows(sqlmock.NewRows([]string{"rate", "interval_seconds", "min_threshold", "grace_period_seconds", "enabled"}).
			AddRow(1000, 60, 10, 0, true))

	cfg, source, err := store.EffectiveDecayConfig(context.Background(), "acme")
	if err != nil {
		t.Fatalf("effective config: %v", err)
	}
	if source != "global" {
		t.Fatalf("expected global source, got %q", source)
	}
	if cfg.Rate != 1000 || cfg.Interval != time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
	expectations(t, mock)
}

func TestApplyDecayAdvancesAnchorByWholeIntervals(t *testing.T) {
	store, mock := newMockStore(t)

	start := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("select admin from organizations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"admin"}).AddRow("admin-1"))
	mock.ExpectQuery("from decay_configs where org_id").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"rate", "interval_seconds", "min_threshold", "grace_period_seconds", "enabled"}).
			AddRow(1000, 60, 10, 0, true))
	mock.ExpectQuery("from decay_info where org_id").
		WithArgs("acme", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"registered_at", "last_activity_at", "last_decay_at", "total_decayed"}).
			AddRow(start, start, start, 0))
	mock.ExpectQuery("from balances where org_id").
		WithArgs("acme", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(100))
	mock.ExpectQuery("from transactions where org_id").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	mock.ExpectExec("insert into transactions").
		WithArgs("acme", uint64(5), "decay", "alice", "alice", int64(10), "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into balances").
		WithArgs("acme", "alice", int64(-10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// One whole interval elapsed: the anchor moves to start+60s, not to now.
	mock.ExpectExec("update decay_info set last_decay_at").
		WithArgs("acme", "alice", start.Add(time.Minute), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update organizations set total_decayed").
		WithArgs("acme", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.ApplyDecay(context.Background(), "acme", "admin-1", "alice", now)
	if err != nil {
		t.Fatalf("apply decay: %v", err)
	}
	if !res.Applied || res.Amount != 10 || res.TxID != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
	expectations(t, mock)
}

func TestBatchDecayCountsFailedAccountAsSkipped(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	registered := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("select admin from organizations").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"admin"}).AddRow("admin-1"))
	mock.ExpectQuery("from decay_configs where org_id").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"rate", "interval_seconds", "min_threshold", "grace_period_seconds", "enabled"}).
			AddRow(1000, 60, 10, 0, true))
	mock.ExpectQuery("select account from decay_info").
		WithArgs("acme", "", 11).
		WillReturnRows(sqlmock.NewRows([]string{"account"}).AddRow("alice").AddRow("bob"))

	// alice fails inside her savepoint and is rolled back in isolation.
	mock.ExpectExec("savepoint batch_account").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from decay_info where org_id").
		WithArgs("acme", "alice").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec("rollback to savepoint batch_account").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// bob is examined normally after the failure.
	mock.ExpectExec("savepoint batch_account").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from decay_info where org_id").
		WithArgs("acme", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"registered_at", "last_activity_at", "last_decay_at", "total_decayed"}).
			AddRow(registered, registered, now.Add(-30*time.Second), 0))
	mock.ExpectQuery("from balances where org_id").
		WithArgs("acme", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow(100))
	mock.ExpectExec("release savepoint batch_account").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	res, err := store.RunBatchDecay(context.Background(), "acme", "admin-1", "", 10, now)
	if err != nil {
		t.Fatalf("batch decay: %v", err)
	}
	if res.Skipped != 1 || res.Processed != 1 {
		t.Fatalf("expected 1 skipped and 1 processed, got %+v", res)
	}
	if !res.Done || res.TotalDecayed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	expectations(t, mock)
}
