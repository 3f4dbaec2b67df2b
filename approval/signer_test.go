package approval

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte(strings.Repeat("k", 32))

func TestIssueAndVerify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer, err := NewSigner(testSecret, 24*time.Hour, "credguard", func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}

	token, err := signer.Issue("user-1", ActionApprove)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := signer.Verify(token, "user-1", ActionApprove)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.ID == "" || claims.Subject != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	other, _ := signer.Issue("user-1", ActionApprove)
	if other == token {
		t.Fatal("expected random nonce to make tokens distinct")
	}
}

func TestVerifyRejectsMismatch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer, _ := NewSigner(testSecret, 24*time.Hour, "", func() time.Time { return now })
	token, _ := signer.Issue("user-1", ActionApprove)

	if _, err := signer.Verify(token, "user-2", ActionApprove); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected subject mismatch, got %v", err)
	}
	if _, err := signer.Verify(token, "user-1", ActionReject); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected action mismatch, got %v", err)
	}

	forged, _ := NewSigner([]byte(strings.Repeat("x", 32)), 24*time.Hour, "", func() time.Time { return now })
	if _, err := forged.Verify(token, "user-1", ActionApprove); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected signature failure, got %v", err)
	}
	if _, err := signer.Verify("not-a-token", "user-1", ActionApprove); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected malformed token failure, got %v", err)
	}
}

func TestVerifyRejectsOldTokens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer, _ := NewSigner(testSecret, 24*time.Hour, "", func() time.Time { return now })
	token, _ := signer.Issue("user-1", ActionReject)

	now = now.Add(24*time.Hour + time.Second)
	if _, err := signer.Verify(token, "user-1", ActionReject); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestNewSignerRejectsShortSecret(t *testing.T) {
	if _, err := NewSigner([]byte("short"), time.Hour, "", nil); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
	if _, err := NewSigner(testSecret, time.Hour, "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
