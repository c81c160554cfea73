package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"kudos.org/internal/reputation/remote"
)

// Exercises a running kudos-api end to end: register an org, add an
// awarder, award points, check the balance and the decay preview.
func main() {
	baseURL := os.Getenv("KUDOS_API_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	orgID := fmt.Sprintf("smoke-%d", rand.New(rand.NewSource(time.Now().UnixNano())).Intn(1_000_000))

	admin := remote.New(baseURL)
	if err := admin.Authenticate(ctx, "smoke-admin", nil); err != nil {
		log.Fatalf("authenticate admin: %v", err)
	}
	if err := admin.RegisterOrganization(ctx, orgID); err != nil {
		log.Fatalf("register org %s: %v", orgID, err)
	}
	if err := admin.AddAwarder(ctx, orgID, "smoke-awarder", "Smoke Awarder"); err != nil {
		log.Fatalf("add awarder: %v", err)
	}

	awarder := remote.New(baseURL)
	if err := awarder.Authenticate(ctx, "smoke-awarder", nil); err != nil {
		log.Fatalf("authenticate awarder: %v", err)
	}

	const awarded = 1_000
	tx, err := awarder.Award(ctx, orgID, "smoke-user", awarded, "smoke test")
	if err != nil {
		log.Fatalf("award: %v", err)
	}
	if tx.ID != 1 {
		log.Fatalf("expected first ledger id 1, got %d", tx.ID)
	}

	balance, err := awarder.Balance(ctx, orgID, "smoke-user")
	if err != nil {
		log.Fatalf("balance: %v", err)
	}
	if balance != awarded {
		log.Fatalf("expected balance %d, got %d", awarded, balance)
	}

	pending, err := awarder.PreviewDecay(ctx, orgID, "smoke-user")
	if err != nil {
		log.Fatalf("preview decay: %v", err)
	}
	if pending != 0 {
		log.Fatalf("fresh award must have no pending decay, got %d", pending)
	}

	stats, err := awarder.OrgStats(ctx, orgID)
	if err != nil {
		log.Fatalf("org stats: %v", err)
	}
	if stats.TotalAwarded != awarded || stats.Transactions != 1 {
		log.Fatalf("unexpected stats %+v", stats)
	}

	fmt.Printf("✅ kudos-api smoke test passed: org=%s balance=%d\n", orgID, balance)
}
