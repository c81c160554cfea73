package reputation

import (
	"context"
	"time"
)

// SetGlobalDecayConfig replaces the fallback configuration used by every
// organization without an override. Operator-gated at the boundary.
func (s *InMemory) SetGlobalDecayConfig(ctx context.Context, cfg DecayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	s.global = cfg
	return nil
}

func (s *InMemory) GlobalDecayConfig(ctx context.Context) (DecayConfig, error) {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()
	return s.global, nil
}

func (s *InMemory) SetOrgDecayConfig(ctx context.Context, orgID string, caller Identity, cfg DecayConfig) error {
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
	copied := cfg
	org.decayOverride = &copied
	return nil
}

// ClearOrgDecayConfig drops the override so the organization falls back to
// the global configuration.
func (s *InMemory) ClearOrgDecayConfig(ctx context.Context, orgID string, caller Identity) error {
	org, err := s.org(orgID)
	if err != nil {
		return err
	}
	org.mu.Lock()
	defer org.mu.Unlock()
	if err := org.requireAdmin(caller); err != nil {
		return err
	}
	org.decayOverride = nil
	return nil
}

// EffectiveDecayConfig resolves the configuration an organization actually
// runs under, reporting whether it came from the override or the global
// fallback.
func (s *InMemory) EffectiveDecayConfig(ctx context.Context, orgID string) (DecayConfig, string, error) {
	org, err := s.org(orgID)
	if err != nil {
		return DecayConfig{}, "", err
	}
	org.mu.Lock()
	override := org.decayOverride
	org.mu.Unlock()
	if override != nil {
		return *override, "org", nil
	}
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()
	return s.global, "global", nil
}

func (s *InMemory) effectiveConfig(org *organization) DecayConfig {
	org.mu.Lock()
	override := org.decayOverride
	org.mu.Unlock()
	if override != nil {
		return *override
	}
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()
	return s.global
}

// ComputeDecay is the pure decay calculation shared by every backing store.
// It returns the amount to erode, the number of whole intervals consumed,
// and a skip reason when nothing applies.
//
// Floor division benefits the holder at every step, and the headroom cap
// (raw - minThreshold) guarantees decay alone never breaches the threshold.
func ComputeDecay(cfg DecayConfig, info DecayInfo, raw int64, now time.Time) (int64, int64, SkipReason) {
	if !cfg.Enabled || cfg.Rate == 0 {
		return 0, 0, SkipDisabled
	}
	if now.Sub(info.RegisteredAt) < cfg.GracePeriod {
		return 0, 0, SkipGracePeriod
	}
	elapsed := int64(now.Sub(info.LastDecayAt) / cfg.Interval)
	if elapsed < 1 {
		return 0, 0, SkipIntervalPending
	}
	if raw <= cfg.MinThreshold {
		return 0, 0, SkipBelowThreshold
	}
	amount := raw * cfg.Rate / 10000 * elapsed
	if headroom := raw - cfg.MinThreshold; amount > headroom {
		amount = headroom
	}
	if amount <= 0 {
		return 0, 0, SkipBelowThreshold
	}
	return amount, elapsed, ""
}

// previewLocked computes the decay an account is subject to at the given
// instant. Caller holds org.mu.
func (o *organization) previewLocked(account Identity, cfg DecayConfig, now time.Time) (int64, SkipReason) {
	info, ok := o.decay[account]
	if !ok {
		if !cfg.Enabled || cfg.Rate == 0 {
			return 0, SkipDisabled
		}
		return 0, SkipNoBalance
	}
	amount, _, skip := ComputeDecay(cfg, *info, o.balances[account], now)
	return amount, skip
}

// PreviewDecay is the side-effect-free read of the amount ApplyDecay would
// erode right now.
func (s *InMemory) PreviewDecay(ctx context.Context, orgID string, account Identity, now time.Time) (int64, error) {
	org, err := s.org(orgID)
	if err != nil {
		return 0, err
	}
	cfg := s.effectiveConfig(org)
	org.mu.Lock()
	defer org.mu.Unlock()
	amount, _ := org.previewLocked(account, cfg, now)
	return amount, nil
}

// ApplyDecay erodes one account's balance if an interval has elapsed.
// Idempotent per interval: LastDecayAt advances by whole intervals (never to
// `now`), so interval boundaries stay deterministic and a second call within
// the same interval is a no-op. Admin-only.
func (s *InMemory) ApplyDecay(ctx context.Context, orgID string, caller, account Identity, now time.Time) (DecayResult, error) {
	org, err := s.org(orgID)
	if err != nil {
		return DecayResult{}, err
	}
	cfg := s.effectiveConfig(org)
	org.mu.Lock()
	defer org.mu.Unlock()
	if err := org.requireAdmin(caller); err != nil {
		return DecayResult{}, err
	}
	return org.applyDecayLocked(account, cfg, now), nil
}

func (o *organization) applyDecayLocked(account Identity, cfg DecayConfig, now time.Time) DecayResult {
	amount, skip := o.previewLocked(account, cfg, now)
	if amount == 0 {
		return DecayResult{Applied: false, Skip: skip}
	}
	info := o.decay[account]
	elapsed := int64(now.Sub(info.LastDecayAt) / cfg.Interval)

	tx := o.appendLocked(TxDecay, account, account, amount, "", now)
	o.balances[account] -= amount
	info.LastDecayAt = info.LastDecayAt.Add(time.Duration(elapsed) * cfg.Interval)
	info.TotalDecayed += amount
	o.totalDecayed += amount
	return DecayResult{Applied: true, Amount: amount, TxID: tx.ID}
}

func (s *InMemory) DecayStats(ctx context.Context, orgID string, now time.Time) (DecayStats, error) {
	org, err := s.org(orgID)
	if err != nil {
		return DecayStats{}, err
	}
	cfg, source, err := s.EffectiveDecayConfig(ctx, orgID)
	if err != nil {
		return DecayStats{}, err
	}
	org.mu.Lock()
	defer org.mu.Unlock()

	stats := DecayStats{
		OrgID:        org.id,
		Config:       cfg,
		ConfigSource: source,
		TotalDecayed: org.totalDecayed,
	}
	for account, info := range org.decay {
		stats.AccountsTracked++
		if now.Sub(info.RegisteredAt) < cfg.GracePeriod {
			stats.AccountsInGrace++
			continue
		}
		if amount, _ := org.previewLocked(account, cfg, now); amount > 0 {
			stats.AccountsEligible++
		}
	}
	return stats, nil
}
