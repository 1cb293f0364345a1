package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateAndValidateToken(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("test-secret"))
	tenantID := uuid.New()

	token, err := m.GenerateToken(tenantID, "acme", "user-42")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.TenantID != tenantID.String() {
		t.Errorf("tenant mismatch: %s", claims.TenantID)
	}
	if claims.TenantName != "acme" || claims.UserID != "user-42" {
		t.Errorf("unexpected claims: %+v", claims)
	}
	got, err := claims.GetTenantID()
	if err != nil || got != tenantID {
		t.Errorf("GetTenantID = %v, %v", got, err)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("secret-a"))
	token, err := m.GenerateToken(uuid.New(), "acme", "")
	if err != nil {
		t.Fatal(err)
	}

	other := NewJWTManager(DefaultJWTConfig("secret-b"))
	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	cfg := DefaultJWTConfig("test-secret")
	cfg.Expiry = -time.Minute
	m := NewJWTManager(cfg)

	token, err := m.GenerateToken(uuid.New(), "acme", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateToken_Garbage(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("test-secret"))
	if _, err := m.ValidateToken("not.a.token"); err == nil {
		t.Error("expected error for malformed token")
	}
}

func TestRefreshToken_ExpiredButValidSignature(t *testing.T) {
	cfg := DefaultJWTConfig("test-secret")
	cfg.Expiry = -time.Minute
	m := NewJWTManager(cfg)
	tenantID := uuid.New()

	expired, err := m.GenerateToken(tenantID, "acme", "user-42")
	if err != nil {
		t.Fatal(err)
	}

	fresh := NewJWTManager(DefaultJWTConfig("test-secret"))
	refreshed, err := fresh.RefreshToken(expired)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	claims, err := fresh.ValidateToken(refreshed)
	if err != nil {
		t.Fatalf("validate refreshed: %v", err)
	}
	if claims.TenantID != tenantID.String() || claims.UserID != "user-42" {
		t.Errorf("claims not carried through refresh: %+v", claims)
	}
}

func TestRefreshToken_WrongSecretRejected(t *testing.T) {
	m := NewJWTManager(DefaultJWTConfig("secret-a"))
	token, err := m.GenerateToken(uuid.New(), "acme", "")
	if err != nil {
		t.Fatal(err)
	}

	other := NewJWTManager(DefaultJWTConfig("secret-b"))
	if _, err := other.RefreshToken(token); err == nil {
		t.Error("expected refresh with wrong secret to fail")
	}
}
