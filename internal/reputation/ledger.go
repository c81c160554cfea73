package reputation

import (
	"context"
	"fmt"
	"time"
)

const dayFormat = "2006-01-02"

// Award mints points for an account. Awarder-only, subject to the daily caps.
// Ledger append, balance update and activity bookkeeping commit together
// under the partition lock; no partial state is ever observable.
func (s *InMemory) Award(ctx context.Context, orgID string, caller, to Identity, amount int64, reason string) (Transaction, error) {
	if to == "" {
		return Transaction{}, fmt.Errorf("%w: recipient identity is required", ErrInvalidInput)
	}
	if amount < 0 {
		return Transaction{}, ErrInvalidAmount
	}
	org, err := s.org(orgID)
	if err != nil {
		return Transaction{}, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	if err := org.requireAwarder(caller); err != nil {
		return Transaction{}, err
	}
	now := s.now()
	if err := org.checkCaps(caller, amount, now); err != nil {
		return Transaction{}, err
	}

	tx := org.appendLocked(TxAward, caller, to, amount, reason, now)
	org.balances[to] += amount
	org.touchLocked(to, now)
	org.totalAwarded += amount
	org.recordMintLocked(caller, amount, now)
	return tx, nil
}

// Revoke removes points from an account. The balance effect is clamped at
// zero while the ledger records the requested amount for audit; this
// asymmetry is deliberate (see the revocation audit trail in DESIGN.md).
func (s *InMemory) Revoke(ctx context.Context, orgID string, caller, from Identity, amount int64, reason string) (Transaction, error) {
	if from == "" {
		return Transaction{}, fmt.Errorf("%w: target identity is required", ErrInvalidInput)
	}
	if amount < 0 {
		return Transaction{}, ErrInvalidAmount
	}
	org, err := s.org(orgID)
	if err != nil {
		return Transaction{}, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	if err := org.requireAwarder(caller); err != nil {
		return Transaction{}, err
	}
	now := s.now()

	tx := org.appendLocked(TxRevoke, caller, from, amount, reason, now)
	applied := amount
	if bal := org.balances[from]; applied > bal {
		applied = bal
	}
	org.balances[from] -= applied
	org.touchLocked(from, now)
	org.totalRevoked += applied
	return tx, nil
}

// appendLocked assigns the next gapless id and stores the record. Caller
// holds org.mu and applies the balance effect in the same critical section.
func (o *organization) appendLocked(typ TxType, from, to Identity, amount int64, reason string, now time.Time) Transaction {
	tx := Transaction{
		ID:        uint64(len(o.log)) + 1,
		Type:      typ,
		From:      from,
		To:        to,
		Amount:    amount,
		Timestamp: now,
		Reason:    reason,
	}
	o.log = append(o.log, tx)
	return tx
}

// touchLocked refreshes activity bookkeeping, creating DecayInfo lazily on an
// account's first award or revocation.
func (o *organization) touchLocked(account Identity, now time.Time) {
	info, ok := o.decay[account]
	if !ok {
		o.decay[account] = &DecayInfo{
			RegisteredAt:   now,
			LastActivityAt: now,
			LastDecayAt:    now,
		}
		return
	}
	info.LastActivityAt = now
}

func (o *organization) checkCaps(awarder Identity, amount int64, now time.Time) error {
	if o.caps.PerAwarderDaily == 0 && o.caps.GlobalDaily == 0 {
		return nil
	}
	o.rollMintDayLocked(now)
	if cap := o.caps.PerAwarderDaily; cap > 0 && o.mintedBy[awarder]+amount > cap {
		return fmt.Errorf("%w: awarder %s would exceed %d points today", ErrCapExceeded, awarder, cap)
	}
	if cap := o.caps.GlobalDaily; cap > 0 && o.mintedTotal+amount > cap {
		return fmt.Errorf("%w: organization %s would exceed %d points today", ErrCapExceeded, o.id, cap)
	}
	return nil
}

func (o *organization) recordMintLocked(awarder Identity, amount int64, now time.Time) {
	o.rollMintDayLocked(now)
	o.mintedBy[awarder] += amount
	o.mintedTotal += amount
}

func (o *organization) rollMintDayLocked(now time.Time) {
	day := now.UTC().Format(dayFormat)
	if o.mintDay != day {
		o.mintDay = day
		o.mintedBy = make(map[Identity]int64)
		o.mintedTotal = 0
	}
}

// RawBalance returns the materialized balance without subtracting pending
// decay. Unknown accounts read as zero; only the organization must exist.
func (s *InMemory) RawBalance(ctx context.Context, orgID string, account Identity) (int64, error) {
	org, err := s.org(orgID)
	if err != nil {
		return 0, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	return org.balances[account], nil
}

// Balance returns raw minus pending decay at the given instant.
func (s *InMemory) Balance(ctx context.Context, orgID string, account Identity, now time.Time) (int64, error) {
	details, err := s.BalanceDetails(ctx, orgID, account, now)
	if err != nil {
		return 0, err
	}
	return details.Current, nil
}

func (s *InMemory) BalanceDetails(ctx context.Context, orgID string, account Identity, now time.Time) (BalanceDetails, error) {
	org, err := s.org(orgID)
	if err != nil {
		return BalanceDetails{}, err
	}
	cfg := s.effectiveConfig(org)
	org.mu.Lock()
	defer org.mu.Unlock()

	raw := org.balances[account]
	pending, _ := org.previewLocked(account, cfg, now)
	details := BalanceDetails{
		Account:      account,
		Raw:          raw,
		PendingDecay: pending,
		Current:      raw - pending,
	}
	if info, ok := org.decay[account]; ok {
		copied := *info
		details.Decay = &copied
	}
	return details, nil
}

func (s *InMemory) GetTransaction(ctx context.Context, orgID string, id uint64) (Transaction, error) {
	org, err := s.org(orgID)
	if err != nil {
		return Transaction{}, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	if id == 0 || id > uint64(len(org.log)) {
		return Transaction{}, fmt.Errorf("%w: transaction %d", ErrNotFound, id)
	}
	return org.log[id-1], nil
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

// ListTransactions returns a page of the ledger in append order plus the
// total record count.
func (s *InMemory) ListTransactions(ctx context.Context, orgID string, offset, limit int) ([]Transaction, int, error) {
	org, err := s.org(orgID)
	if err != nil {
		return nil, 0, err
	}
	offset, limit = clampPage(offset, limit)
	org.mu.Lock()
	defer org.mu.Unlock()

	total := len(org.log)
	if offset >= total {
		return []Transaction{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := make([]Transaction, end-offset)
	copy(page, org.log[offset:end])
	return page, total, nil
}

// ListAccountTransactions returns the page of ledger records touching one
// account, either as issuer or as target.
func (s *InMemory) ListAccountTransactions(ctx context.Context, orgID string, account Identity, offset, limit int) ([]Transaction, int, error) {
	org, err := s.org(orgID)
	if err != nil {
		return nil, 0, err
	}
	offset, limit = clampPage(offset, limit)
	org.mu.Lock()
	defer org.mu.Unlock()

	var matched []Transaction
	for _, tx := range org.log {
		if tx.From == account || tx.To == account {
			matched = append(matched, tx)
		}
	}
	total := len(matched)
	if offset >= total {
		return []Transaction{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *InMemory) TransactionCount(ctx context.Context, orgID string) (int, error) {
	org, err := s.org(orgID)
	if err != nil {
		return 0, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	return len(org.log), nil
}

func (s *InMemory) OrgStats(ctx context.Context, orgID string) (OrgStats, error) {
	org, err := s.org(orgID)
	if err != nil {
		return OrgStats{}, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()

	var outstanding int64
	accounts := 0
	for _, bal := range org.balances {
		outstanding += bal
		if bal > 0 {
			accounts++
		}
	}
	return OrgStats{
		OrgID:         org.id,
		CreatedAt:     org.createdAt,
		Accounts:      accounts,
		Awarders:      len(org.awarders),
		Transactions:  len(org.log),
		TotalAwarded:  org.totalAwarded,
		TotalRevoked:  org.totalRevoked,
		TotalDecayed:  org.totalDecayed,
		TotalOutstand: outstanding,
	}, nil
}

// Replay recomputes every balance of an organization from the ledger alone,
// applying the same clamping rules as the live path. It is the defined
// recovery and consistency-check procedure: the result must match the
// materialized index exactly.
func (s *InMemory) Replay(ctx context.Context, orgID string) (map[Identity]int64, error) {
	org, err := s.org(orgID)
	if err != nil {
		return nil, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()

	balances := make(map[Identity]int64)
	for _, tx := range org.log {
		switch tx.Type {
		case TxAward:
			balances[tx.To] += tx.Amount
		case TxRevoke, TxDecay:
			applied := tx.Amount
			if bal := balances[tx.To]; applied > bal {
				applied = bal
			}
			balances[tx.To] -= applied
		}
	}
	return balances, nil
}
