package credential

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestIssueDecodeRoundTrip(t *testing.T) {
	cred, err := Issue("7b8e6c52-3f1d-4a0f-9a3e-1c2d3e4f5a6b", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(cred.PNG) == 0 {
		t.Fatal("expected rendered image bytes")
	}
	if len(cred.Hash) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(cred.Hash))
	}

	id, err := Decode(cred.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if id != "7b8e6c52-3f1d-4a0f-9a3e-1c2d3e4f5a6b" {
		t.Fatalf("round trip id mismatch: %q", id)
	}
}

func TestIssueHashChangesPerInstant(t *testing.T) {
	now := time.Now()
	first, err := Issue("teacher-1", now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Issue("teacher-1", now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if first.Hash == second.Hash {
		t.Fatal("hash should depend on issuance instant")
	}
}

func TestIssueSameInstantIsDeterministic(t *testing.T) {
	now := time.Now()
	first, _ := Issue("teacher-1", now)
	second, _ := Issue("teacher-1", now)
	if first.Hash != second.Hash {
		t.Fatal("identical payloads should render to identical hashes")
	}
}

func TestRenderReproducesIssuedImage(t *testing.T) {
	cred, err := Issue("teacher-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	png, err := Render(cred.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(png, cred.PNG) {
		t.Fatal("re-render must reproduce the issued image exactly")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not_json":   "####",
		"empty":      "",
		"missing_id": `{"timestamp":"2026-01-02T09:00:00Z"}`,
		"wrong_type": `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}
}

func TestIssueEmptyID(t *testing.T) {
	if _, err := Issue("", time.Now()); err == nil {
		t.Fatal("expected error for empty id")
	}
}
