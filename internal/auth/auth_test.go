package auth

import (
	"context"
	"slices"
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	t.Setenv("BBSNS_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("user-42", "0xAbC0000000000000000000000000000000000001", []string{"Admin", "notary", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Wallet != "0xabc0000000000000000000000000000000000001" {
		t.Fatalf("wallet not normalized: %s", claims.Wallet)
	}
	if !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "notary") {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles were not deduplicated: %v", claims.Roles)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Setenv("BBSNS_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	if _, err := ParseAndValidate("not-a-token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseAndValidate(""); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	t.Setenv("BBSNS_AUTH_SECRET", "test-secret")
	ResetSecretForTests()

	token, err := GenerateToken("user-1", "", nil, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "notary"})
	ctx = ContextWithWallet(ctx, "0xDEAD0000000000000000000000000000000000aa")

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "notary") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatalf("unexpected role found")
	}
	wallet, ok := WalletFromContext(ctx)
	if !ok || wallet != "0xdead0000000000000000000000000000000000aa" {
		t.Fatalf("unexpected wallet: %s", wallet)
	}
}
