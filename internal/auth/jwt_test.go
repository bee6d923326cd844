package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	pair, err := Issue("device-42", RoleScanner, "qrattend", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token in pair")
	}

	claims, err := Parse(pair.AccessToken, "secret", "qrattend")
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "device-42" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.Role != RoleScanner {
		t.Fatalf("role = %q", claims.Role)
	}
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	if _, err := Issue("device-42", "superuser", "qrattend", "secret", time.Minute, time.Hour); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, err := Issue("device-42", RoleScanner, "qrattend", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, "other", "qrattend"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	pair, err := Issue("device-42", RoleAdmin, "staging", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, "secret", "qrattend"); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("device-42", RoleScanner, "qrattend", "secret", -time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(pair.AccessToken, "secret", "qrattend"); err == nil {
		t.Fatal("expected expiry error")
	}
}
