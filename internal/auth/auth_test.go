package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setSecret(t *testing.T) {
	t.Helper()
	t.Setenv(secretEnvVariable, "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateRoundTrip(t *testing.T) {
	setSecret(t)

	token, err := GenerateToken("alice", []string{"Operator", "operator", " "}, time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "operator" {
		t.Fatalf("roles must be deduplicated and lower-cased: %v", claims.Roles)
	}
}

func TestParseRejectsGarbageAndExpired(t *testing.T) {
	setSecret(t)

	if _, err := ParseAndValidate("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	t.Setenv(secretEnvVariable, "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("alice", nil, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	setSecret(t)

	if _, err := GenerateToken("  ", nil, time.Minute); err == nil {
		t.Fatal("expected error for blank identity")
	}
	if _, err := GenerateToken("alice", nil, 0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), " alice ", []string{"Operator"})

	identity, ok := IdentityFromContext(ctx)
	if !ok || identity != "alice" {
		t.Fatalf("unexpected identity: %q ok=%v", identity, ok)
	}
	if !HasRole(ctx, "OPERATOR") {
		t.Fatal("expected operator role")
	}
	if HasRole(ctx, "admin") {
		t.Fatal("unexpected admin role")
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("empty context must not produce an identity")
	}
}
