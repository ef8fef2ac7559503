package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"accountmarket/ledger"
)

const testSecret = "test-secret-test-secret-test-secret"

func TestService_IssueAndVerify(t *testing.T) {
	svc, err := NewService(testSecret)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	for _, actor := range []ledger.Actor{ledger.User("u-1"), ledger.Admin("a-1"), ledger.System()} {
		token, err := svc.Issue(actor)
		if err != nil {
			t.Fatalf("issue %v: %v", actor, err)
		}
		got, err := svc.VerifyToken(token)
		if err != nil {
			t.Fatalf("verify token: %v", err)
		}
		if got != actor {
			t.Fatalf("verify token: expected %v got %v", actor, got)
		}
	}
}

func TestService_WeakSecret(t *testing.T) {
	if _, err := NewService("short"); !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestService_IssueRejectsBadActor(t *testing.T) {
	svc, _ := NewService(testSecret)
	if _, err := svc.Issue(ledger.Actor{ID: "", Role: ledger.RoleUser}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := svc.Issue(ledger.Actor{ID: "x", Role: "root"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestService_VerifyRejects(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, _ := NewService(testSecret, WithTTL(time.Hour), WithClock(func() time.Time { return now }))
	token, err := svc.Issue(ledger.User("u-1"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	later, _ := NewService(testSecret, WithClock(func() time.Time { return now.Add(2 * time.Hour) }))
	if _, err := later.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: expected ErrInvalidToken, got %v", err)
	}

	other, _ := NewService(strings.Repeat("x", 32), WithClock(func() time.Time { return now }))
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret: expected ErrInvalidToken, got %v", err)
	}

	if _, err := svc.VerifyToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: expected ErrInvalidToken, got %v", err)
	}

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u-1",
		"role":    "root",
		"exp":     now.Add(time.Hour).Unix(),
	})
	signed, err := forged.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown role: expected ErrInvalidToken, got %v", err)
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u-1", "role": "user"})
	signed, _ = noExp.SignedString([]byte(testSecret))
	if _, err := svc.VerifyToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("missing exp: expected ErrInvalidToken, got %v", err)
	}
}

func TestService_OperatorLogin(t *testing.T) {
	hash, err := HashPassword("supersafe")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc, _ := NewService(testSecret, WithOperators(map[string]string{"ops-1": hash}))

	token, actor, err := svc.Login("ops-1", "supersafe")
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if actor != ledger.Admin("ops-1") {
		t.Fatalf("login: expected admin actor, got %v", actor)
	}
	got, err := svc.VerifyToken(token)
	if err != nil || got != actor {
		t.Fatalf("verify login token: %v %v", got, err)
	}

	if _, _, err := svc.Login("ops-1", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login("nobody", "supersafe"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := HashPassword("short"); err == nil {
		t.Fatal("expected weak password error")
	}
}
