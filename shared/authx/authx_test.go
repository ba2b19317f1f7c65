package authx

import (
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "operator"},
		"scp":   "read write admin",
	}
	roles := parseRoles(claims)
	if len(roles) != 4 {
		t.Fatalf("expected 4 distinct roles, got %v", roles)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func TestFromClaims(t *testing.T) {
	auth := fromClaims(jwt.MapClaims{
		"sub":                "user-7",
		"preferred_username": "jo",
		"tenants":            []any{"t-42", "t-43"},
		"role":               "Operator",
	})
	if auth.Subject != "user-7" || auth.Name != "jo" {
		t.Fatalf("unexpected identity %#v", auth)
	}
	if !auth.AllowsTenant("t-43") || auth.AllowsTenant("t-1") {
		t.Fatalf("unexpected tenant scope %v", auth.Tenants)
	}
	if !auth.HasRole(RoleOperator) || auth.HasRole(RoleAdmin) {
		t.Fatalf("unexpected roles %v", auth.Roles)
	}
}

func TestUnrestrictedTokenAllowsAnyTenant(t *testing.T) {
	if !(AuthContext{Subject: "svc"}).AllowsTenant("t-42") {
		t.Fatalf("expected token without tenant claims to be unrestricted")
	}
}

func TestActorFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if ActorFromRequest(r) != "" {
		t.Fatalf("expected empty actor without auth")
	}
	r = r.WithContext(WithAuth(r.Context(), AuthContext{Subject: "user-7"}))
	if ActorFromRequest(r) != "user-7" {
		t.Fatalf("expected subject as actor")
	}
}
