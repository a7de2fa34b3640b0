package gate

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestUnlockAndVerify(t *testing.T) {
	g, err := New("zinc-42", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}

	token, expiresAt, err := g.Unlock("bar", "zinc-42")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if time.Until(expiresAt) <= 0 || time.Until(expiresAt) > time.Minute {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	op, err := g.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if op.Name != "bar" || !op.CatalogUnlocked {
		t.Fatalf("unexpected operator %+v", op)
	}
}

func TestUnlockRejectsWrongPasscode(t *testing.T) {
	g, err := New("zinc-42", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	for _, attempt := range []string{"", "zinc-43", "ZINC-42"} {
		if _, _, err := g.Unlock("bar", attempt); !errors.Is(err, ErrWrongCode) {
			t.Fatalf("expected wrong code for %q, got %v", attempt, err)
		}
	}
}

func TestDisabledGateRefusesUnlock(t *testing.T) {
	g, err := New("", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if g.Enabled() {
		t.Fatalf("gate without passcode must be disabled")
	}
	if _, _, err := g.Unlock("bar", "anything"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestNewAcceptsPrecomputedHash(t *testing.T) {
	hash, err := HashPasscode("zinc-42")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if strings.Contains(hash, "zinc-42") {
		t.Fatalf("hash must not contain the passcode")
	}
	g, err := New(hash, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	if _, _, err := g.Unlock("bar", "zinc-42"); err != nil {
		t.Fatalf("unlock with hashed passcode: %v", err)
	}
}

func TestVerifyRejectsExpiredAndForeignTokens(t *testing.T) {
	g, err := New("zinc-42", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	token, _, err := g.Unlock("bar", "zinc-42")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}

	g.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := g.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other, err := New("zinc-42", strings.Repeat("x", 32), time.Minute)
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	foreign, _, err := other.Unlock("bar", "zinc-42")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	g.now = time.Now
	if _, err := g.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token signed with another secret to be rejected, got %v", err)
	}
	if _, err := g.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected garbage token to be rejected, got %v", err)
	}
}
