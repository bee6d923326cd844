package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"
)

// qrSize is the pixel width of rendered credential images.
const qrSize = 256

// payload is the wire format carried inside the QR image.
type payload struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

// Credential is one issued identity token. Hash is a provenance marker for
// this specific render: reissuing at another instant produces a different
// image and therefore a different hash. Callers must not treat it as a
// stable identity fingerprint.
type Credential struct {
	Payload  []byte
	PNG      []byte
	Hash     string
	IssuedAt time.Time
}

// DecodeError reports a scanned payload that is not a valid credential.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "decode credential: " + e.Reason }

// Issue builds the {id, timestamp} payload for a teacher, renders it as a QR
// image and computes a lowercase hex SHA-256 digest over the rendered bytes.
func Issue(teacherID string, now time.Time) (Credential, error) {
	if teacherID == "" {
		return Credential{}, fmt.Errorf("issue credential: empty teacher id")
	}
	raw, err := json.Marshal(payload{ID: teacherID, Timestamp: now.Format(time.RFC3339)})
	if err != nil {
		return Credential{}, fmt.Errorf("issue credential: %w", err)
	}
	png, err := Render(raw)
	if err != nil {
		return Credential{}, fmt.Errorf("issue credential: %w", err)
	}
	sum := sha256.Sum256(png)
	return Credential{
		Payload:  raw,
		PNG:      png,
		Hash:     hex.EncodeToString(sum[:]),
		IssuedAt: now,
	}, nil
}

// Render encodes a payload as a QR image. The encoding is deterministic, so
// re-rendering a stored payload reproduces the issued image byte for byte and
// its bytes still match the stored hash.
func Render(payload []byte) ([]byte, error) {
	png, err := qrcode.Encode(string(payload), qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render credential: %w", err)
	}
	return png, nil
}

// Decode parses a scanned payload and extracts the teacher id. The stored
// verification hash is not checked on the read path; it exists for audit of
// the issued image, not as an authentication factor.
func Decode(raw []byte) (string, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", &DecodeError{Reason: "not a credential payload"}
	}
	if p.ID == "" {
		return "", &DecodeError{Reason: "missing id field"}
	}
	return p.ID, nil
}
