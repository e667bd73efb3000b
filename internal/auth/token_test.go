package auth

import (
	"errors"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func TestIssueAndParse(t *testing.T) {
	token, err := IssueToken(secret, "usr_1", "Ada", "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "usr_1" || claims.Name != "Ada" || claims.ID != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseRejectsTampered(t *testing.T) {
	token, err := IssueToken(secret, "usr_1", "Ada", "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseToken(secret, token+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbled token, got %v", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := IssueToken(secret, "usr_1", "Ada", "jti-1", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}
