package reputation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Cursor format for batch runs: "org\naccount", both parts optional. Org ids
// and identities reject the separator at the boundary, so the split is
// unambiguous. An empty cursor starts from the beginning.
func encodeCursor(orgID string, account Identity) string {
	return orgID + "\n" + string(account)
}

func parseCursor(cursor string) (string, Identity, error) {
	if cursor == "" {
		return "", "", nil
	}
	orgID, account, ok := strings.Cut(cursor, "\n")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed cursor", ErrInvalidInput)
	}
	return orgID, Identity(account), nil
}

// RunBatchDecay applies decay across accounts in cursor order until the work
// budget (accounts examined) is exhausted, then hands back a resumption
// cursor. orgID scopes the run to one organization (admin-only); an empty
// orgID walks every organization in sorted order and is operator-gated at
// the boundary.
//
// Per-account no-ops count as processed, not skipped; skipped is reserved
// for accounts whose decay failed outright, so one bad account never aborts
// the batch. Safety against double decay comes from the interval check in
// the decay engine, not from the cursor: re-running with a stale cursor is
// harmless.
func (s *InMemory) RunBatchDecay(ctx context.Context, orgID string, caller Identity, cursor string, budget int, now time.Time) (BatchResult, error) {
	if budget <= 0 {
		return BatchResult{}, fmt.Errorf("%w: budget must be positive", ErrInvalidInput)
	}
	cursorOrg, cursorAccount, err := parseCursor(cursor)
	if err != nil {
		return BatchResult{}, err
	}

	if orgID != "" {
		org, err := s.org(orgID)
		if err != nil {
			return BatchResult{}, err
		}
		if cursorOrg != "" && cursorOrg != orgID {
			return BatchResult{}, fmt.Errorf("%w: cursor belongs to another organization", ErrInvalidInput)
		}
		cfg := s.effectiveConfig(org)
		org.mu.Lock()
		defer org.mu.Unlock()
		if err := org.requireAdmin(caller); err != nil {
			return BatchResult{}, err
		}
		var result BatchResult
		done, last := org.runLocked(cfg, cursorAccount, budget, now, &result)
		if done {
			result.Done = true
		} else {
			result.NextCursor = encodeCursor(orgID, last)
		}
		return result, nil
	}

	// Global run: organizations in sorted order, each drained in account
	// order. A stale cursor naming a vanished organization resumes at the
	// next one after it.
	s.mu.RLock()
	orgIDs := make([]string, 0, len(s.orgs))
	for id := range s.orgs {
		orgIDs = append(orgIDs, id)
	}
	s.mu.RUnlock()
	sort.Strings(orgIDs)

	var result BatchResult
	for _, id := range orgIDs {
		if id < cursorOrg {
			continue
		}
		startAfter := Identity("")
		if id == cursorOrg {
			startAfter = cursorAccount
		}
		org, err := s.org(id)
		if err != nil {
			continue
		}
		remaining := budget - result.Processed - result.Skipped
		if remaining <= 0 {
			result.NextCursor = encodeCursor(id, startAfter)
			return result, nil
		}
		cfg := s.effectiveConfig(org)
		org.mu.Lock()
		done, last := org.runLocked(cfg, startAfter, remaining, now, &result)
		org.mu.Unlock()
		if !done {
			result.NextCursor = encodeCursor(id, last)
			return result, nil
		}
	}
	result.Done = true
	return result, nil
}

// runLocked drains one partition starting strictly after the cursor account,
// examining at most `budget` accounts. Returns whether the partition was
// fully drained and the last account examined. Caller holds org.mu.
func (o *organization) runLocked(cfg DecayConfig, after Identity, budget int, now time.Time, result *BatchResult) (bool, Identity) {
	last := after
	for _, account := range o.sortedAccounts() {
		if account <= after {
			continue
		}
		if budget <= 0 {
			return false, last
		}
		budget--
		last = account
		res := o.applyDecayLocked(account, cfg, now)
		result.Processed++
		result.TotalDecayed += res.Amount
	}
	return true, last
}
