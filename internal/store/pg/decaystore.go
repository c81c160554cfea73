package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kudos.org/internal/reputation"
)

// The global fallback configuration lives in decay_configs under an empty
// org id; real organization ids are never empty.
const globalConfigKey = ""

func scanConfig(row *sql.Row) (reputation.DecayConfig, error) {
	var (
		cfg             reputation.DecayConfig
		intervalSeconds int64
		graceSeconds    int64
	)
	err := row.Scan(&cfg.Rate, &intervalSeconds, &cfg.MinThreshold, &graceSeconds, &cfg.Enabled)
	if err != nil {
		return reputation.DecayConfig{}, err
	}
	cfg.Interval = time.Duration(intervalSeconds) * time.Second
	cfg.GracePeriod = time.Duration(graceSeconds) * time.Second
	return cfg, nil
}

func upsertConfig(ctx context.Context, q querier, key string, cfg reputation.DecayConfig) error {
	_, err := q.ExecContext(ctx, `
		insert into decay_configs(org_id, rate, interval_seconds, min_threshold, grace_period_seconds, enabled)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (org_id) do update set
			rate = excluded.rate,
			interval_seconds = excluded.interval_seconds,
			min_threshold = excluded.min_threshold,
			grace_period_seconds = excluded.grace_period_seconds,
			enabled = excluded.enabled
	`, key, cfg.Rate, int64(cfg.Interval/time.Second), cfg.MinThreshold,
		int64(cfg.GracePeriod/time.Second), cfg.Enabled)
	return err
}

// effectiveConfig resolves the org override or the global fallback. A store
// with neither reads as decay disabled.
func effectiveConfig(ctx context.Context, q querier, orgID string) (reputation.DecayConfig, string, error) {
	cfg, err := scanConfig(q.QueryRowContext(ctx, `
		select rate, interval_seconds, min_threshold, grace_period_seconds, enabled
		from decay_configs where org_id=$1
	`, orgID))
	if err == nil {
		return cfg, "org", nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return reputation.DecayConfig{}, "", err
	}
	cfg, err = scanConfig(q.QueryRowContext(ctx, `
		select rate, interval_seconds, min_threshold, grace_period_seconds, enabled
		from decay_configs where org_id=$1
	`, globalConfigKey))
	if errors.Is(err, sql.ErrNoRows) {
		return reputation.DecayConfig{}, "global", nil
	}
	if err != nil {
		return reputation.DecayConfig{}, "", err
	}
	return cfg, "global", nil
}

func loadDecayInfo(ctx context.Context, q querier, orgID string, account reputation.Identity) (reputation.DecayInfo, bool, error) {
	var info reputation.DecayInfo
	err := q.QueryRowContext(ctx, `
		select registered_at, last_activity_at, last_decay_at, total_decayed
		from decay_info where org_id=$1 and account=$2
	`, orgID, string(account)).Scan(&info.RegisteredAt, &info.LastActivityAt, &info.LastDecayAt, &info.TotalDecayed)
	if errors.Is(err, sql.ErrNoRows) {
		return reputation.DecayInfo{}, false, nil
	}
	if err != nil {
		return reputation.DecayInfo{}, false, err
	}
	return info, true, nil
}

func (s *Store) SetGlobalDecayConfig(ctx context.Context, cfg reputation.DecayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return upsertConfig(ctx, s.db, globalConfigKey, cfg)
}

func (s *Store) GlobalDecayConfig(ctx context.Context) (reputation.DecayConfig, error) {
	cfg, err := scanConfig(s.db.QueryRowContext(ctx, `
		select rate, interval_seconds, min_threshold, grace_period_seconds, enabled
		from decay_configs where org_id=$1
	`, globalConfigKey))
	if errors.Is(err, sql.ErrNoRows) {
		return reputation.DecayConfig{}, nil
	}
	return cfg, err
}

func (s *Store) SetOrgDecayConfig(ctx context.Context, orgID string, caller reputation.Identity, cfg reputation.DecayConfig) error {
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
	if err := upsertConfig(ctx, tx, orgID, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ClearOrgDecayConfig(ctx context.Context, orgID string, caller reputation.Identity) error {
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
	if _, err := tx.ExecContext(ctx, `delete from decay_configs where org_id=$1`, orgID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) EffectiveDecayConfig(ctx context.Context, orgID string) (reputation.DecayConfig, string, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return reputation.DecayConfig{}, "", err
	}
	return effectiveConfig(ctx, s.db, orgID)
}

func (s *Store) Balance(ctx context.Context, orgID string, account reputation.Identity, now time.Time) (int64, error) {
	details, err := s.BalanceDetails(ctx, orgID, account, now)
	if err != nil {
		return 0, err
	}
	return details.Current, nil
}

func (s *Store) BalanceDetails(ctx context.Context, orgID string, account reputation.Identity, now time.Time) (reputation.BalanceDetails, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return reputation.BalanceDetails{}, err
	}
	cfg, _, err := effectiveConfig(ctx, s.db, orgID)
	if err != nil {
		return reputation.BalanceDetails{}, err
	}
	raw, err := rawBalance(ctx, s.db, orgID, account)
	if err != nil {
		return reputation.BalanceDetails{}, err
	}
	details := reputation.BalanceDetails{Account: account, Raw: raw, Current: raw}

	info, ok, err := loadDecayInfo(ctx, s.db, orgID, account)
	if err != nil {
		return reputation.BalanceDetails{}, err
	}
	if ok {
		copied := info
		details.Decay = &copied
		if pending, _, skip := reputation.ComputeDecay(cfg, info, raw, now); skip == "" {
			details.PendingDecay = pending
			details.Current = raw - pending
		}
	}
	return details, nil
}

func (s *Store) PreviewDecay(ctx context.Context, orgID string, account reputation.Identity, now time.Time) (int64, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return 0, err
	}
	cfg, _, err := effectiveConfig(ctx, s.db, orgID)
	if err != nil {
		return 0, err
	}
	info, ok, err := loadDecayInfo(ctx, s.db, orgID, account)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	raw, err := rawBalance(ctx, s.db, orgID, account)
	if err != nil {
		return 0, err
	}
	amount, _, _ := reputation.ComputeDecay(cfg, info, raw, now)
	return amount, nil
}

func (s *Store) ApplyDecay(ctx context.Context, orgID string, caller, account reputation.Identity, now time.Time) (reputation.DecayResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return reputation.DecayResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	admin, err := lockOrg(ctx, tx, orgID)
	if err != nil {
		return reputation.DecayResult{}, err
	}
	if caller == "" || caller != admin {
		return reputation.DecayResult{}, fmt.Errorf("%w: %s is not the admin of %s", reputation.ErrUnauthorized, caller, orgID)
	}
	cfg, _, err := effectiveConfig(ctx, tx, orgID)
	if err != nil {
		return reputation.DecayResult{}, err
	}
	res, err := applyDecayTx(ctx, tx, orgID, account, cfg, now)
	if err != nil {
		return reputation.DecayResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return reputation.DecayResult{}, err
	}
	return res, nil
}

// applyDecayTx erodes one account inside an already-locked organization
// transaction. LastDecayAt advances by whole intervals, never to `now`, so
// interval boundaries stay deterministic across calls.
func applyDecayTx(ctx context.Context, tx *sql.Tx, orgID string, account reputation.Identity, cfg reputation.DecayConfig, now time.Time) (reputation.DecayResult, error) {
	info, ok, err := loadDecayInfo(ctx, tx, orgID, account)
	if err != nil {
		return reputation.DecayResult{}, err
	}
	if !ok {
		if !cfg.Enabled || cfg.Rate == 0 {
			return reputation.DecayResult{Skip: reputation.SkipDisabled}, nil
		}
		return reputation.DecayResult{Skip: reputation.SkipNoBalance}, nil
	}
	raw, err := rawBalance(ctx, tx, orgID, account)
	if err != nil {
		return reputation.DecayResult{}, err
	}
	amount, elapsed, skip := reputation.ComputeDecay(cfg, info, raw, now)
	if amount == 0 {
		return reputation.DecayResult{Skip: skip}, nil
	}

	rec, err := appendTx(ctx, tx, orgID, reputation.TxDecay, account, account, amount, "", now)
	if err != nil {
		return reputation.DecayResult{}, err
	}
	if err := addBalance(ctx, tx, orgID, account, -amount); err != nil {
		return reputation.DecayResult{}, err
	}
	anchor := info.LastDecayAt.Add(time.Duration(elapsed) * cfg.Interval)
	if _, err := tx.ExecContext(ctx, `
		update decay_info set last_decay_at=$3, total_decayed = total_decayed + $4
		where org_id=$1 and account=$2
	`, orgID, string(account), anchor, amount); err != nil {
		return reputation.DecayResult{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`update organizations set total_decayed = total_decayed + $2 where id=$1`, orgID, amount); err != nil {
		return reputation.DecayResult{}, err
	}
	return reputation.DecayResult{Applied: true, Amount: amount, TxID: rec.ID}, nil
}

func encodeCursor(orgID string, account reputation.Identity) string {
	return orgID + "\n" + string(account)
}

func parseCursor(cursor string) (string, reputation.Identity, error) {
	if cursor == "" {
		return "", "", nil
	}
	orgID, account, ok := strings.Cut(cursor, "\n")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed cursor", reputation.ErrInvalidInput)
	}
	return orgID, reputation.Identity(account), nil
}

// RunBatchDecay mirrors the in-memory scheduler: accounts in cursor order,
// budget counted per account examined, one database transaction per
// organization so a long global run never holds more than one org lock.
func (s *Store) RunBatchDecay(ctx context.Context, orgID string, caller reputation.Identity, cursor string, budget int, now time.Time) (reputation.BatchResult, error) {
	if budget <= 0 {
		return reputation.BatchResult{}, fmt.Errorf("%w: budget must be positive", reputation.ErrInvalidInput)
	}
	cursorOrg, cursorAccount, err := parseCursor(cursor)
	if err != nil {
		return reputation.BatchResult{}, err
	}

	if orgID != "" {
		if cursorOrg != "" && cursorOrg != orgID {
			return reputation.BatchResult{}, fmt.Errorf("%w: cursor belongs to another organization", reputation.ErrInvalidInput)
		}
		var result reputation.BatchResult
		done, last, err := s.runOrgBatch(ctx, orgID, caller, true, cursorAccount, budget, now, &result)
		if err != nil {
			return reputation.BatchResult{}, err
		}
		if done {
			result.Done = true
		} else {
			result.NextCursor = encodeCursor(orgID, last)
		}
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `select id from organizations order by id`)
	if err != nil {
		return reputation.BatchResult{}, err
	}
	orgIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return reputation.BatchResult{}, err
		}
		orgIDs = append(orgIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return reputation.BatchResult{}, err
	}

	var result reputation.BatchResult
	for _, id := range orgIDs {
		if id < cursorOrg {
			continue
		}
		startAfter := reputation.Identity("")
		if id == cursorOrg {
			startAfter = cursorAccount
		}
		remaining := budget - result.Processed - result.Skipped
		if remaining <= 0 {
			result.NextCursor = encodeCursor(id, startAfter)
			return result, nil
		}
		done, last, err := s.runOrgBatch(ctx, id, "", false, startAfter, remaining, now, &result)
		if err != nil {
			return reputation.BatchResult{}, err
		}
		if !done {
			result.NextCursor = encodeCursor(id, last)
			return result, nil
		}
	}
	result.Done = true
	return result, nil
}

// runOrgBatch drains one organization starting strictly after the cursor
// account in a single transaction.
func (s *Store) runOrgBatch(ctx context.Context, orgID string, caller reputation.Identity, adminGated bool, after reputation.Identity, budget int, now time.Time, result *reputation.BatchResult) (bool, reputation.Identity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, after, err
	}
	defer func() { _ = tx.Rollback() }()

	admin, err := lockOrg(ctx, tx, orgID)
	if err != nil {
		return false, after, err
	}
	if adminGated && (caller == "" || caller != admin) {
		return false, after, fmt.Errorf("%w: %s is not the admin of %s", reputation.ErrUnauthorized, caller, orgID)
	}
	cfg, _, err := effectiveConfig(ctx, tx, orgID)
	if err != nil {
		return false, after, err
	}

	rows, err := tx.QueryContext(ctx, `
		select account from decay_info
		where org_id=$1 and account > $2
		order by account limit $3
	`, orgID, string(after), budget+1)
	if err != nil {
		return false, after, err
	}
	accounts := []reputation.Identity{}
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			rows.Close()
			return false, after, err
		}
		accounts = append(accounts, reputation.Identity(account))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, after, err
	}

	drained := len(accounts) <= budget
	if !drained {
		accounts = accounts[:budget]
	}
	last := after
	for _, account := range accounts {
		// A savepoint per account keeps one failing account from aborting
		// the whole organization transaction; the failure counts as skipped
		// and the run moves on.
		if _, err := tx.ExecContext(ctx, `savepoint batch_account`); err != nil {
			return false, after, err
		}
		res, err := applyDecayTx(ctx, tx, orgID, account, cfg, now)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `rollback to savepoint batch_account`); rbErr != nil {
				return false, after, rbErr
			}
			last = account
			result.Skipped++
			continue
		}
		if _, err := tx.ExecContext(ctx, `release savepoint batch_account`); err != nil {
			return false, after, err
		}
		last = account
		result.Processed++
		result.TotalDecayed += res.Amount
	}
	if err := tx.Commit(); err != nil {
		return false, after, err
	}
	return drained, last, nil
}

func (s *Store) DecayStats(ctx context.Context, orgID string, now time.Time) (reputation.DecayStats, error) {
	if err := orgExists(ctx, s.db, orgID); err != nil {
		return reputation.DecayStats{}, err
	}
	cfg, source, err := effectiveConfig(ctx, s.db, orgID)
	if err != nil {
		return reputation.DecayStats{}, err
	}
	stats := reputation.DecayStats{OrgID: orgID, Config: cfg, ConfigSource: source}

	if err := s.db.QueryRowContext(ctx,
		`select total_decayed from organizations where id=$1`, orgID).Scan(&stats.TotalDecayed); err != nil {
		return reputation.DecayStats{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select d.registered_at, d.last_activity_at, d.last_decay_at, d.total_decayed, coalesce(b.amount, 0)
		from decay_info d
		left join balances b on b.org_id = d.org_id and b.account = d.account
		where d.org_id=$1
	`, orgID)
	if err != nil {
		return reputation.DecayStats{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			info reputation.DecayInfo
			raw  int64
		)
		if err := rows.Scan(&info.RegisteredAt, &info.LastActivityAt, &info.LastDecayAt, &info.TotalDecayed, &raw); err != nil {
			return reputation.DecayStats{}, err
		}
		stats.AccountsTracked++
		if now.Sub(info.RegisteredAt) < cfg.GracePeriod {
			stats.AccountsInGrace++
			continue
		}
		if amount, _, _ := reputation.ComputeDecay(cfg, info, raw, now); amount > 0 {
			stats.AccountsEligible++
		}
	}
	if err := rows.Err(); err != nil {
		return reputation.DecayStats{}, err
	}
	return stats, nil
}
