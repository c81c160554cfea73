package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"kudos.org/internal/reputation"
)

// Store implements reputation.Service on Postgres. Per-organization
// serialization comes from row-locking the organization record at the start
// of every mutating transaction, which is the durable analogue of the
// in-memory partition lock.
type Store struct {
	db *sql.DB
}

var _ reputation.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const dayFormat = "2006-01-02"

// lockOrg takes the organization row lock and returns the admin identity.
func lockOrg(ctx context.Context, q querier, orgID string) (reputation.Identity, error) {
	var admin string
	err := q.QueryRowContext(ctx, `select admin from organizations where id=$1 for update`, orgID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: organization %s", reputation.ErrNotFound, orgID)
	}
	if err != nil {
		return "", err
	}
	return reputation.Identity(admin), nil
}

func orgExists(ctx context.Context, q querier, orgID string) error {
	var one int
	err := q.QueryRowContext(ctx, `select 1 from organizations where id=$1`, orgID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: organization %s", reputation.ErrNotFound, orgID)
	}
	return err
}

func isAwarder(ctx context.Context, q querier, orgID string, caller reputation.Identity) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`select 1 from awarders where org_id=$1 and identity=$2`, orgID, string(caller)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) RegisterOrganization(ctx context.Context, orgID string, admin reputation.Identity) error {
	orgID, err := reputation.NormalizeOrgID(orgID)
	if err != nil {
		return err
	}
	if admin == "" {
		return fmt.Errorf("%w: admin identity is required", reputation.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx, `
		insert into organizations(id, admin) values ($1,$2)
		on conflict (id) do nothing
	`, orgID, string(admin))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: organization %s", reputation.ErrOrgExists, orgID)
	}
	return nil
}

func (s *Store) TransferOwnership(ctx context.Context, orgID string, caller, newAdmin reputation.Identity) error {
	if newAdmin == "" {
		return fmt.Errorf("%w: new admin identity is required", reputation.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	admin, err := lockOrg(ctx, tx, orgID)
	if err != nil {
		return err
	}
	if caller == "" || caller != admin {
		return fmt.Errorf("%w: %s is not the admin of %s", reputation.ErrUnauthorized, caller, orgID)
	}
	if _, err := tx.ExecContext(ctx,
		`update organizations set admin=$2 where id=$1`, orgID, string(newAdmin)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AddAwarder(ctx context.Context, orgID string, caller, awarder reputation.Identity, name string) error {
	if awarder == "" {
		return fmt.Errorf("%w: awarder identity is required", reputation.ErrInvalidInput)
	}
	if name == "" {
		return fmt.Errorf("%w: awarder name is required", reputation.ErrInvalidInput)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	admin, err := lockOrg(ctx, tx, orgID)
	if err != nil {
		return err
	}
	if caller == "" || caller != admin {
		return fmt.Errorf("%w: %s is not the admin of %s", reputation.ErrUnauthorized, caller, orgID)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into awarders(org_id, identity, name) values ($1,$2,$3)
		on conflict (org_id, identity) do update set name = excluded.name
	`, orgID, string(awarder), name); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RemoveAwarder(ctx context.Context, orgID string, caller, awarder reputation.Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	admin, err := lockOrg(ctx, tx, orgID)
	if err != nil {
		return err
	}
	if caller == "" || caller != admin {
		return fmt.Errorf("%w: %s is not the admin of %s", reputation.ErrUnauthorized, caller, orgID)
	}
	res, err := tx.ExecContext(ctx,
		`delete from awarders where org_id=$1 and identity=$2`, orgID, string(awarder))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: awarder %s", reputation.ErrNotFound, awarder)
	}
	return tx.Commit()
}

func (s *Store) ListAwarders(ctx context.Context, orgID string) ([]reputation.Awarder, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`select identity, name from awarders where org_id=$1 order by identity`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []reputation.Awarder{}
	for rows.Next() {
		var a reputation.Awarder
		if err := rows.Scan(&a.Identity, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetCapConfig(ctx context.Context, orgID string, caller reputation.Identity, cfg reputation.CapConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	admin, err := lockOrg(ctx, tx, orgID)
	if err != nil {
		return err
	}
	if caller == "" || caller != admin {
		return fmt.Errorf("%w: %s is not the admin of %s", reputation.ErrUnauthorized, caller, orgID)
	}
	if _, err := tx.ExecContext(ctx, `
		update organizations set cap_per_awarder=$2, cap_global=$3 where id=$1
	`, orgID, cfg.PerAwarderDaily, cfg.GlobalDaily); err != nil {
		return err
	}
	return tx.Commit()
}

// Award appends a mint record and applies the full side-effect set
// (balance, activity bookkeeping, cap accounting) in one transaction.
func (s *Store) Award(ctx context.Context, orgID string, caller, to reputation.Identity, amount int64, reason string) (reputation.Transaction, error) {
	if to == "" {
		return reputation.Transaction{}, fmt.Errorf("%w: recipient identity is required", reputation.ErrInvalidInput)
	}
	if amount < 0 {
		return reputation.Transaction{}, reputation.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reputation.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockOrg(ctx, tx, orgID); err != nil {
		return reputation.Transaction{}, err
	}
	ok, err := isAwarder(ctx, tx, orgID, caller)
	if err != nil {
		return reputation.Transaction{}, err
	}
	if !ok {
		return reputation.Transaction{}, fmt.Errorf("%w: %s is not an awarder of %s", reputation.ErrUnauthorized, caller, orgID)
	}

	now := time.Now().UTC()
	if err := checkCaps(ctx, tx, orgID, caller, amount, now); err != nil {
		return reputation.Transaction{}, err
	}

	rec, err := appendTx(ctx, tx, orgID, reputation.TxAward, caller, to, amount, reason, now)
	if err != nil {
		return reputation.Transaction{}, err
	}
	if err := addBalance(ctx, tx, orgID, to, amount); err != nil {
		return reputation.Transaction{}, err
	}
	if err := touchAccount(ctx, tx, orgID, to, now); err != nil {
		return reputation.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`update organizations set total_awarded = total_awarded + $2 where id=$1`, orgID, amount); err != nil {
		return reputation.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into minted(org_id, day, awarder, amount) values ($1,$2,$3,$4)
		on conflict (org_id, day, awarder) do update set amount = minted.amount + excluded.amount
	`, orgID, now.Format(dayFormat), string(caller), amount); err != nil {
		return reputation.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return reputation.Transaction{}, err
	}
	return rec, nil
}

// Revoke records the requested amount in the ledger while clamping the
// balance effect at zero, same asymmetry as the in-memory store.
func (s *Store) Revoke(ctx context.Context, orgID string, caller, from reputation.Identity, amount int64, reason string) (reputation.Transaction, error) {
	if from == "" {
		return reputation.Transaction{}, fmt.Errorf("%w: target identity is required", reputation.ErrInvalidInput)
	}
	if amount < 0 {
		return reputation.Transaction{}, reputation.ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reputation.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockOrg(ctx, tx, orgID); err != nil {
		return reputation.Transaction{}, err
	}
	ok, err := isAwarder(ctx, tx, orgID, caller)
	if err != nil {
		return reputation.Transaction{}, err
	}
	if !ok {
		return reputation.Transaction{}, fmt.Errorf("%w: %s is not an awarder of %s", reputation.ErrUnauthorized, caller, orgID)
	}

	now := time.Now().UTC()
	rec, err := appendTx(ctx, tx, orgID, reputation.TxRevoke, caller, from, amount, reason, now)
	if err != nil {
		return reputation.Transaction{}, err
	}

	bal, err := rawBalance(ctx, tx, orgID, from)
	if err != nil {
		return reputation.Transaction{}, err
	}
	applied := amount
	if applied > bal {
		applied = bal
	}
	if err := addBalance(ctx, tx, orgID, from, -applied); err != nil {
		return reputation.Transaction{}, err
	}
	if err := touchAccount(ctx, tx, orgID, from, now); err != nil {
		return reputation.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`update organizations set total_revoked = total_revoked + $2 where id=$1`, orgID, applied); err != nil {
		return reputation.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return reputation.Transaction{}, err
	}
	return rec, nil
}

// appendTx assigns the next gapless ledger id under the org row lock.
func appendTx(ctx context.Context, q querier, orgID string, typ reputation.TxType, from, to reputation.Identity, amount int64, reason string, now time.Time) (reputation.Transaction, error) {
	var id uint64
	if err := q.QueryRowContext(ctx,
		`select coalesce(max(id),0)+1 from transactions where org_id=$1`, orgID).Scan(&id); err != nil {
		return reputation.Transaction{}, err
	}
	if _, err := q.ExecContext(ctx, `
		insert into transactions(org_id, id, type, from_identity, to_identity, amount, reason, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, orgID, id, string(typ), string(from), string(to), amount, reason, now); err != nil {
		return reputation.Transaction{}, err
	}
	return reputation.Transaction{
		ID:        id,
		Type:      typ,
		From:      from,
		To:        to,
		Amount:    amount,
		Timestamp: now,
		Reason:    reason,
	}, nil
}

func addBalance(ctx context.Context, q querier, orgID string, account reputation.Identity, delta int64) error {
	_, err := q.ExecContext(ctx, `
		insert into balances(org_id, account, amount) values ($1,$2,$3)
		on conflict (org_id, account) do update set amount = balances.amount + excluded.amount
	`, orgID, string(account), delta)
	return err
}

func rawBalance(ctx context.Context, q querier, orgID string, account reputation.Identity) (int64, error) {
	var bal int64
	err := q.QueryRowContext(ctx,
		`select coalesce(amount,0) from balances where org_id=$1 and account=$2`,
		orgID, string(account)).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

// touchAccount refreshes activity bookkeeping, creating the decay row lazily
// on an account's first award or revocation.
func touchAccount(ctx context.Context, q querier, orgID string, account reputation.Identity, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		insert into decay_info(org_id, account, registered_at, last_activity_at, last_decay_at)
		values ($1,$2,$3,$3,$3)
		on conflict (org_id, account) do update set last_activity_at = excluded.last_activity_at
	`, orgID, string(account), now)
	return err
}

func checkCaps(ctx context.Context, q querier, orgID string, awarder reputation.Identity, amount int64, now time.Time) error {
	var capPerAwarder, capGlobal int64
	if err := q.QueryRowContext(ctx,
		`select cap_per_awarder, cap_global from organizations where id=$1`, orgID).Scan(&capPerAwarder, &capGlobal); err != nil {
		return err
	}
	if capPerAwarder == 0 && capGlobal == 0 {
		return nil
	}
	var mintedByAwarder, mintedTotal int64
	if err := q.QueryRowContext(ctx, `
		select coalesce(sum(amount) filter (where awarder=$3), 0), coalesce(sum(amount), 0)
		from minted where org_id=$1 and day=$2
	`, orgID, now.Format(dayFormat), string(awarder)).Scan(&mintedByAwarder, &mintedTotal); err != nil {
		return err
	}
	if capPerAwarder > 0 && mintedByAwarder+amount > capPerAwarder {
		return fmt.Errorf("%w: awarder %s would exceed %d points today", reputation.ErrCapExceeded, awarder, capPerAwarder)
	}
	if capGlobal > 0 && mintedTotal+amount > capGlobal {
		return fmt.Errorf("%w: organization %s would exceed %d points today", reputation.ErrCapExceeded, orgID, capGlobal)
	}
	return nil
}

func (s *Store) RawBalance(ctx context.Context, orgID string, account reputation.Identity) (int64, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return 0, err
	}
	return rawBalance(ctx, s.db, orgID, account)
}

func (s *Store) GetTransaction(ctx context.Context, orgID string, id uint64) (reputation.Transaction, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return reputation.Transaction{}, err
	}
	var rec reputation.Transaction
	err := s.db.QueryRowContext(ctx, `
		select id, type, from_identity, to_identity, amount, reason, created_at
		from transactions where org_id=$1 and id=$2
	`, orgID, id).Scan(&rec.ID, &rec.Type, &rec.From, &rec.To, &rec.Amount, &rec.Reason, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return reputation.Transaction{}, fmt.Errorf("%w: transaction %d", reputation.ErrNotFound, id)
	}
	if err != nil {
		return reputation.Transaction{}, err
	}
	return rec, nil
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return offset, limit
}

func (s *Store) ListTransactions(ctx context.Context, orgID string, offset, limit int) ([]reputation.Transaction, int, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return nil, 0, err
	}
	offset, limit = clampPage(offset, limit)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from transactions where org_id=$1`, orgID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, type, from_identity, to_identity, amount, reason, created_at
		from transactions where org_id=$1
		order by id asc offset $2 limit $3
	`, orgID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	page, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

func (s *Store) ListAccountTransactions(ctx context.Context, orgID string, account reputation.Identity, offset, limit int) ([]reputation.Transaction, int, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return nil, 0, err
	}
	offset, limit = clampPage(offset, limit)

	var total int
	if err := s.db.QueryRowContext(ctx, `
		select count(*) from transactions
		where org_id=$1 and (from_identity=$2 or to_identity=$2)
	`, orgID, string(account)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, type, from_identity, to_identity, amount, reason, created_at
		from transactions
		where org_id=$1 and (from_identity=$2 or to_identity=$2)
		order by id asc offset $3 limit $4
	`, orgID, string(account), offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	page, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

func scanTransactions(rows *sql.Rows) ([]reputation.Transaction, error) {
	page := []reputation.Transaction{}
	for rows.Next() {
		var rec reputation.Transaction
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.From, &rec.To, &rec.Amount, &rec.Reason, &rec.Timestamp); err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	return page, rows.Err()
}

func (s *Store) TransactionCount(ctx context.Context, orgID string) (int, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return 0, err
	}
	var total int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from transactions where org_id=$1`, orgID).Scan(&total)
	return total, err
}

func (s *Store) OrgStats(ctx context.Context, orgID string) (reputation.OrgStats, error) {
	var stats reputation.OrgStats
	err := s.db.QueryRowContext(ctx, `
		select o.id, o.created_at, o.total_awarded, o.total_revoked, o.total_decayed,
			(select count(*) from awarders a where a.org_id = o.id),
			(select count(*) from transactions t where t.org_id = o.id),
			(select count(*) from balances b where b.org_id = o.id and b.amount > 0),
			(select coalesce(sum(b.amount),0) from balances b where b.org_id = o.id)
		from organizations o where o.id=$1
	`, orgID).Scan(&stats.OrgID, &stats.CreatedAt, &stats.TotalAwarded, &stats.TotalRevoked,
		&stats.TotalDecayed, &stats.Awarders, &stats.Transactions, &stats.Accounts, &stats.TotalOutstand)
	if errors.Is(err, sql.ErrNoRows) {
		return reputation.OrgStats{}, fmt.Errorf("%w: organization %s", reputation.ErrNotFound, orgID)
	}
	if err != nil {
		return reputation.OrgStats{}, err
	}
	return stats, nil
}
