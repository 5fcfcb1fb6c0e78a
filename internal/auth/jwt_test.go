package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	return signed
}

func TestParseTokenRoundTrip(t *testing.T) {
	claims := Claims{
		UserID:     "22222222-2222-2222-2222-222222222222",
		Role:       "teacher",
		Department: "CSE",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	parsed, err := ParseToken("test-secret", signToken(t, "test-secret", claims))
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if parsed.UserID != claims.UserID || parsed.Role != "teacher" || parsed.Department != "CSE" {
		t.Fatalf("claims mismatch: %+v", parsed)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	claims := Claims{
		UserID: "user",
		Role:   "student",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	if _, err := ParseToken("other-secret", signToken(t, "test-secret", claims)); err == nil {
		t.Fatalf("expected error for wrong secret")
	}
}

func TestParseTokenExpired(t *testing.T) {
	claims := Claims{
		UserID: "user",
		Role:   "student",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	if _, err := ParseToken("test-secret", signToken(t, "test-secret", claims)); err == nil {
		t.Fatalf("expected error for expired token")
	}
}
