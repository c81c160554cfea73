package reputation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identity is an opaque caller or account identifier. It is comparable and
// usable as a map key; equality is byte equality after boundary normalization.
type Identity string

func (id Identity) String() string { return string(id) }

const maxIdentityLen = 64

// ParseIdentity normalizes raw caller input into an Identity.
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: identity is required", ErrInvalidInput)
	}
	if len(raw) > maxIdentityLen {
		return "", fmt.Errorf("%w: identity must be <=%d characters", ErrInvalidInput, maxIdentityLen)
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: identity contains control characters", ErrInvalidInput)
		}
	}
	return Identity(raw), nil
}

// TxType discriminates ledger records.
type TxType string

const (
	TxAward  TxType = "award"
	TxRevoke TxType = "revoke"
	TxDecay  TxType = "decay"
)

// Transaction is one immutable ledger record. IDs are assigned per
// organization, start at 1 and are gapless. Amount is the requested amount;
// for revocations it may exceed the balance delta that was actually applied
// (the ledger keeps the requested figure for audit).
type Transaction struct {
	ID        uint64    `json:"id"`
	Type      TxType    `json:"type"`
	From      Identity  `json:"from"`
	To        Identity  `json:"to"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Awarder is an identity authorized to issue and revoke points.
type Awarder struct {
	Identity Identity `json:"identity"`
	Name     string   `json:"name"`
}

// DecayConfig controls balance erosion. Rate is in basis points per elapsed
// interval. Balances at or below MinThreshold are exempt, and accounts inside
// GracePeriod after registration never decay.
type DecayConfig struct {
	Rate         int64         `json:"rate"`
	Interval     time.Duration `json:"interval"`
	MinThreshold int64         `json:"min_threshold"`
	GracePeriod  time.Duration `json:"grace_period"`
	Enabled      bool          `json:"enabled"`
}

const maxRateBasisPoints = 10000

// Validate rejects out-of-range parameters before any state is touched.
func (c DecayConfig) Validate() error {
	if c.Rate < 0 || c.Rate > maxRateBasisPoints {
		return fmt.Errorf("%w: rate must be between 0 and %d basis points", ErrInvalidConfig, maxRateBasisPoints)
	}
	if c.Enabled && c.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive when decay is enabled", ErrInvalidConfig)
	}
	if c.Interval < 0 {
		return fmt.Errorf("%w: interval must not be negative", ErrInvalidConfig)
	}
	if c.MinThreshold < 0 {
		return fmt.Errorf("%w: min_threshold must not be negative", ErrInvalidConfig)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("%w: grace_period must not be negative", ErrInvalidConfig)
	}
	return nil
}

// CapConfig bounds daily minting. Zero means unlimited.
type CapConfig struct {
	PerAwarderDaily int64 `json:"per_awarder_daily"`
	GlobalDaily     int64 `json:"global_daily"`
}

func (c CapConfig) Validate() error {
	if c.PerAwarderDaily < 0 || c.GlobalDaily < 0 {
		return fmt.Errorf("%w: daily caps must not be negative", ErrInvalidConfig)
	}
	return nil
}

// DecayInfo is per-account decay bookkeeping, created lazily on first
// activity. TotalDecayed only ever grows.
type DecayInfo struct {
	RegisteredAt   time.Time `json:"registered_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	LastDecayAt    time.Time `json:"last_decay_at"`
	TotalDecayed   int64     `json:"total_decayed"`
}

// BalanceDetails is the structured read combining the raw balance with the
// decay that would apply right now. Current = Raw - PendingDecay.
type BalanceDetails struct {
	Account      Identity   `json:"account"`
	Raw          int64      `json:"raw_balance"`
	PendingDecay int64      `json:"pending_decay"`
	Current      int64      `json:"current_balance"`
	Decay        *DecayInfo `json:"decay_info,omitempty"`
}

// SkipReason explains a decay no-op. A no-op is a successful outcome, not an
// error; callers must not alarm on it.
type SkipReason string

const (
	SkipDisabled        SkipReason = "disabled"
	SkipGracePeriod     SkipReason = "grace_period"
	SkipIntervalPending SkipReason = "interval_not_elapsed"
	SkipBelowThreshold  SkipReason = "below_threshold"
	SkipNoBalance       SkipReason = "no_balance"
)

// DecayResult reports one decay application attempt.
type DecayResult struct {
	Applied bool       `json:"applied"`
	Amount  int64      `json:"amount"`
	Skip    SkipReason `json:"skip_reason,omitempty"`
	TxID    uint64     `json:"transaction_id,omitempty"`
}

// BatchResult reports one bounded batch-decay invocation. When Done is false
// the caller re-invokes with NextCursor to continue where this run stopped.
type BatchResult struct {
	NextCursor   string `json:"next_cursor,omitempty"`
	Done         bool   `json:"done"`
	Processed    int    `json:"processed"`
	Skipped      int    `json:"skipped"`
	TotalDecayed int64  `json:"total_decayed"`
}

// OrgStats are derived aggregates for one organization.
type OrgStats struct {
	OrgID         string    `json:"org_id"`
	CreatedAt     time.Time `json:"created_at"`
	Accounts      int       `json:"accounts"`
	Awarders      int       `json:"awarders"`
	Transactions  int       `json:"transactions"`
	TotalAwarded  int64     `json:"total_awarded"`
	TotalRevoked  int64     `json:"total_revoked"`
	TotalDecayed  int64     `json:"total_decayed"`
	TotalOutstand int64     `json:"total_outstanding"`
}

// DecayStats summarize decay posture for one organization at a point in time.
type DecayStats struct {
	OrgID            string      `json:"org_id"`
	Config           DecayConfig `json:"config"`
	ConfigSource     string      `json:"config_source"` // "org" or "global"
	AccountsTracked  int         `json:"accounts_tracked"`
	AccountsInGrace  int         `json:"accounts_in_grace"`
	AccountsEligible int         `json:"accounts_eligible"`
	TotalDecayed     int64       `json:"total_decayed"`
}

var (
	ErrNotFound      = errors.New("not found")
	ErrOrgExists     = errors.New("organization already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidAmount = errors.New("invalid amount (must be >= 0)")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrCapExceeded   = errors.New("daily mint cap exceeded")
)
