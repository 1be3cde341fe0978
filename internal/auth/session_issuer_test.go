package auth

import (
	"strings"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *SessionIssuer {
	return NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "stackfall-store",
		Audience:      "stackfall-clients",
		SessionTTL:    time.Hour,
		Clock:         clock,
	})
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTestIssuer(func() time.Time { return now })

	token, expiresIn, err := issuer.IssueSessionToken("client-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != 3600 {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if subject != "client-1" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueSessionToken("client-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	late := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "stackfall-store",
		Audience:      "stackfall-clients",
		Clock:         func() time.Time { return now.Add(2 * time.Hour) },
	})
	if _, err := late.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTestIssuer(func() time.Time { return now })
	token, _, err := issuer.IssueSessionToken("client-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	other := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "stackfall-store",
		Audience:      "another-audience",
		Clock:         func() time.Time { return now },
	})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected audience mismatch to be rejected")
	}
}

func TestIssueRequiresClientID(t *testing.T) {
	issuer := newTestIssuer(time.Now)
	if _, _, err := issuer.IssueSessionToken(""); err == nil {
		t.Fatalf("expected missing client id to be rejected")
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTestIssuer(func() time.Time { return now })
	token, _, err := issuer.IssueSessionToken("client-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	other, _, err := issuer.IssueSessionToken("client-2")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	// Splice a different subject's payload under the original signature.
	parts := strings.Split(token, ".")
	otherParts := strings.Split(other, ".")
	if len(parts) != 3 || len(otherParts) != 3 {
		t.Fatalf("unexpected token shape: %q %q", token, other)
	}
	tampered := parts[0] + "." + otherParts[1] + "." + parts[2]
	if _, err := issuer.ValidateToken(tampered); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}

func TestSecretOnlyConfigValidatesOwnTokens(t *testing.T) {
	issuer := NewSessionIssuer(SessionIssuerConfig{SigningSecret: []byte("test-secret")})
	token, _, err := issuer.IssueSessionToken("client-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if subject != "client-1" {
		t.Fatalf("unexpected subject %q", subject)
	}
}
