package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(testSecret, arbor.NewLogger())
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService("", arbor.NewLogger()); err == nil {
		t.Error("empty secret accepted")
	}
}

func TestVerifyValidToken(t *testing.T) {
	svc := newTestService(t)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-42",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-42" {
		t.Errorf("userID = %q, want user-42", claims.UserID)
	}
	if claims.Email != "alice@example.com" {
		t.Errorf("email = %q", claims.Email)
	}
}

func TestVerifyFallsBackToIDClaim(t *testing.T) {
	svc := newTestService(t)

	token := signToken(t, testSecret, jwt.MapClaims{
		"id":  "user-7",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-7" {
		t.Errorf("userID = %q, want user-7", claims.UserID)
	}
}

func TestVerifyRejections(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("empty token: err = %v, want ErrMissingToken", err)
	}

	if _, err := svc.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: err = %v, want ErrInvalidToken", err)
	}

	wrongKey := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := svc.Verify(wrongKey); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key: err = %v, want ErrInvalidToken", err)
	}

	expired := signToken(t, testSecret, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := svc.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: err = %v, want ErrInvalidToken", err)
	}

	noSubject := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := svc.Verify(noSubject); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("no subject: err = %v, want ErrInvalidToken", err)
	}
}
