package reputation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Service defines the reputation ledger operations. Callers are already
// authenticated; authorization against the organization registry (admin,
// awarder) happens inside each mutating operation and is never downgraded.
type Service interface {
	RegisterOrganization(ctx context.Context, orgID string, admin Identity) error
	TransferOwnership(ctx context.Context, orgID string, caller, newAdmin Identity) error
	AddAwarder(ctx context.Context, orgID string, caller, awarder Identity, name string) error
	RemoveAwarder(ctx context.Context, orgID string, caller, awarder Identity) error
	ListAwarders(ctx context.Context, orgID string) ([]Awarder, error)

	Award(ctx context.Context, orgID string, caller, to Identity, amount int64, reason string) (Transaction, error)
	Revoke(ctx context.Context, orgID string, caller, from Identity, amount int64, reason string) (Transaction, error)

	RawBalance(ctx context.Context, orgID string, account Identity) (int64, error)
	Balance(ctx context.Context, orgID string, account Identity, now time.Time) (int64, error)
	BalanceDetails(ctx context.Context, orgID string, account Identity, now time.Time) (BalanceDetails, error)

	GetTransaction(ctx context.Context, orgID string, id uint64) (Transaction, error)
	ListTransactions(ctx context.Context, orgID string, offset, limit int) ([]Transaction, int, error)
	ListAccountTransactions(ctx context.Context, orgID string, account Identity, offset, limit int) ([]Transaction, int, error)
	TransactionCount(ctx context.Context, orgID string) (int, error)

	PreviewDecay(ctx context.Context, orgID string, account Identity, now time.Time) (int64, error)
	ApplyDecay(ctx context.Context, orgID string, caller, account Identity, now time.Time) (DecayResult, error)
	RunBatchDecay(ctx context.Context, orgID string, caller Identity, cursor string, budget int, now time.Time) (BatchResult, error)

	SetGlobalDecayConfig(ctx context.Context, cfg DecayConfig) error
	GlobalDecayConfig(ctx context.Context) (DecayConfig, error)
	SetOrgDecayConfig(ctx context.Context, orgID string, caller Identity, cfg DecayConfig) error
	ClearOrgDecayConfig(ctx context.Context, orgID string, caller Identity) error
	EffectiveDecayConfig(ctx context.Context, orgID string) (DecayConfig, string, error)
	SetCapConfig(ctx context.Context, orgID string, caller Identity, cfg CapConfig) error

	OrgStats(ctx context.Context, orgID string) (OrgStats, error)
	DecayStats(ctx context.Context, orgID string, now time.Time) (DecayStats, error)
}

// organization is one ledger partition. Every mutation of a partition runs to
// completion under mu before the next is admitted, which keeps the ledger,
// the balance index and the decay bookkeeping consistent with each other.
type organization struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	admin     Identity
	awarders  map[Identity]string

	decayOverride *DecayConfig
	caps          CapConfig

	log      []Transaction // log[i].ID == i+1
	balances map[Identity]int64
	decay    map[Identity]*DecayInfo

	totalAwarded int64
	totalRevoked int64 // effective (clamped) revocations
	totalDecayed int64

	// Daily mint accounting for cap enforcement; reset on UTC day rollover.
	mintDay     string
	mintedBy    map[Identity]int64
	mintedTotal int64
}

// InMemory implements Service against process-local state.
// The Postgres store in internal/store/pg provides the durable variant.
type InMemory struct {
	mu   sync.RWMutex
	orgs map[string]*organization

	globalMu sync.RWMutex
	global   DecayConfig

	now func() time.Time
}

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the activity timestamp source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// WithGlobalDecayConfig sets the fallback decay configuration at
// construction. Invalid configurations are ignored, matching the rejection
// SetGlobalDecayConfig applies at runtime.
func WithGlobalDecayConfig(cfg DecayConfig) Option {
	return func(s *InMemory) {
		if err := cfg.Validate(); err != nil {
			return
		}
		s.global = cfg
	}
}

// NewInMemory creates an empty ledger with decay disabled globally.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		orgs: make(map[string]*organization),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Service = (*InMemory)(nil)

// NormalizeOrgID validates and canonicalizes an organization identifier.
func NormalizeOrgID(orgID string) (string, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return "", fmt.Errorf("%w: org_id is required", ErrInvalidInput)
	}
	if len(orgID) > maxIdentityLen {
		return "", fmt.Errorf("%w: org_id must be <=%d characters", ErrInvalidInput, maxIdentityLen)
	}
	if strings.ContainsAny(orgID, "\n/") {
		return "", fmt.Errorf("%w: org_id contains reserved characters", ErrInvalidInput)
	}
	return orgID, nil
}

func (s *InMemory) org(orgID string) (*organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", ErrNotFound, orgID)
	}
	return org, nil
}

func (s *InMemory) RegisterOrganization(ctx context.Context, orgID string, admin Identity) error {
	orgID, err := NormalizeOrgID(orgID)
	if err != nil {
		return err
	}
	if admin == "" {
		return fmt.Errorf("%w: admin identity is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[orgID]; ok {
		return fmt.Errorf("%w: %s", ErrOrgExists, orgID)
	}
	s.orgs[orgID] = &organization{
		id:        orgID,
		createdAt: s.now(),
		admin:     admin,
		awarders:  make(map[Identity]string),
		balances:  make(map[Identity]int64),
		decay:     make(map[Identity]*DecayInfo),
		mintedBy:  make(map[Identity]int64),
	}
	return nil
}

// TransferOwnership hands the admin seat to another identity. Admin-only; the
// previous admin keeps no implicit privileges afterwards.
func (s *InMemory) TransferOwnership(ctx context.Context, orgID string, caller, newAdmin Identity) error {
	if newAdmin == "" {
		return fmt.Errorf("%w: new admin identity is required", ErrInvalidInput)
	}
	org, err := s.org(orgID)
	if err != nil {
		return err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	if err := org.requireAdmin(caller); err != nil {
		return err
	}
	org.admin = newAdmin
	return nil
}

func (s *InMemory) AddAwarder(ctx context.Context, orgID string, caller, awarder Identity, name string) error {
	if awarder == "" {
		return fmt.Errorf("%w: awarder identity is required", ErrInvalidInput)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: awarder name is required", ErrInvalidInput)
	}
	org, err := s.org(orgID)
	if err != nil {
		return err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	if err := org.requireAdmin(caller); err != nil {
		return err
	}
	org.awarders[awarder] = name
	return nil
}

func (s *InMemory) RemoveAwarder(ctx context.Context, orgID string, caller, awarder Identity) error {
	org, err := s.org(orgID)
	if err != nil {
		return err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	if err := org.requireAdmin(caller); err != nil {
		return err
	}
	if _, ok := org.awarders[awarder]; !ok {
		return fmt.Errorf("%w: awarder %s", ErrNotFound, awarder)
	}
	delete(org.awarders, awarder)
	return nil
}

func (s *InMemory) ListAwarders(ctx context.Context, orgID string) ([]Awarder, error) {
	org, err := s.org(orgID)
	if err != nil {
		return nil, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	out := make([]Awarder, 0, len(org.awarders))
	for id, name := range org.awarders {
		out = append(out, Awarder{Identity: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *InMemory) SetCapConfig(ctx context.Context, orgID string, caller Identity, cfg CapConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	org, err := s.org(orgID)
	if err != nil {
		return err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	if err := org.requireAdmin(caller); err != nil {
		return err
	}
	org.caps = cfg
	return nil
}

// requireAdmin and requireAwarder are the partition-level authorization
// guards. They report failure verbatim; callers never retry or downgrade.
func (o *organization) requireAdmin(caller Identity) error {
	if caller == "" || caller != o.admin {
		return fmt.Errorf("%w: %s is not the admin of %s", ErrUnauthorized, caller, o.id)
	}
	return nil
}

func (o *organization) requireAwarder(caller Identity) error {
	if caller == "" {
		return fmt.Errorf("%w: caller identity is required", ErrUnauthorized)
	}
	if _, ok := o.awarders[caller]; !ok {
		return fmt.Errorf("%w: %s is not an awarder of %s", ErrUnauthorized, caller, o.id)
	}
	return nil
}

// sortedAccounts returns all accounts with decay bookkeeping in a stable
// order; the batch scheduler's cursor is defined over this order.
func (o *organization) sortedAccounts() []Identity {
	out := make([]Identity, 0, len(o.decay))
	for id := range o.decay {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
