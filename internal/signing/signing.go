// Package signing verifies the Ed25519 detached signature that must
// accompany a rule catalog before the engine acts on it.
package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// SignatureSuffix is appended to a catalog path to find its signature.
const SignatureSuffix = ".sig"

// Envelope is the content of a .sig file.
type Envelope struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	SHA256    string `json:"sha256"`
}

// SignedPayload is the canonical structure that gets signed.
type SignedPayload struct {
	SHA256    string `json:"sha256"`
	Timestamp int64  `json:"timestamp"`
}

// Verifier checks catalog signatures.
type Verifier struct {
	pubKey ed25519.PublicKey
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier. maxAge 0 accepts signatures of any age.
func NewVerifier(pubKey ed25519.PublicKey, maxAge time.Duration) *Verifier {
	return &Verifier{pubKey: pubKey, maxAge: maxAge, now: time.Now}
}

// ParsePublicKey decodes a hex or base64-encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty public key")
	}

	// Try hex first (64 hex chars = 32 bytes)
	if len(s) == 64 {
		b, err := hex.DecodeString(s)
		if err == nil && len(b) == ed25519.PublicKeySize {
			return ed25519.PublicKey(b), nil
		}
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil && len(b) == ed25519.PublicKeySize {
			return ed25519.PublicKey(b), nil
		}
	}

	return nil, fmt.Errorf("invalid public key: must be 32 bytes, hex or base64 encoded")
}

// LoadPublicKey reads a key from a file, or parses s directly when it is not
// a path.
func LoadPublicKey(s string) (ed25519.PublicKey, error) {
	if data, err := os.ReadFile(s); err == nil {
		return ParsePublicKey(string(data))
	}
	return ParsePublicKey(s)
}

// VerificationResult contains the outcome of signature verification.
type VerificationResult struct {
	Valid     bool
	Reason    string
	Timestamp int64
}

// Verify checks sig (the raw .sig content) against data.
func (v *Verifier) Verify(data, sig []byte) VerificationResult {
	var env Envelope
	if err := json.Unmarshal(sig, &env); err != nil {
		return VerificationResult{Reason: fmt.Sprintf("invalid signature file: %v", err)}
	}
	if env.Signature == "" {
		return VerificationResult{Reason: "missing signature"}
	}
	result := VerificationResult{Timestamp: env.Timestamp}

	digest := sha256.Sum256(data)
	if env.SHA256 != hex.EncodeToString(digest[:]) {
		result.Reason = "catalog digest does not match signature file"
		return result
	}

	if v.maxAge > 0 {
		age := v.now().Sub(time.Unix(env.Timestamp, 0))
		if age < 0 {
			age = -age
		}
		if age > v.maxAge {
			result.Reason = fmt.Sprintf("signature too old or in future: age=%s, max=%s", age.Round(time.Second), v.maxAge)
			return result
		}
	}

	canonical, err := json.Marshal(SignedPayload{SHA256: env.SHA256, Timestamp: env.Timestamp})
	if err != nil {
		result.Reason = fmt.Sprintf("failed to build canonical payload: %v", err)
		return result
	}

	raw, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(env.Signature)
		if err != nil {
			result.Reason = "invalid signature encoding"
			return result
		}
	}

	if !ed25519.Verify(v.pubKey, canonical, raw) {
		result.Reason = "signature verification failed"
		return result
	}
	result.Valid = true
	return result
}

// VerifyFile checks path against path+SignatureSuffix.
func (v *Verifier) VerifyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	sig, err := os.ReadFile(path + SignatureSuffix)
	if err != nil {
		return fmt.Errorf("read signature: %w", err)
	}
	if res := v.Verify(data, sig); !res.Valid {
		return fmt.Errorf("catalog %s: %s", path, res.Reason)
	}
	return nil
}

// Sign produces .sig content for data.
func Sign(privKey ed25519.PrivateKey, data []byte, timestamp int64) ([]byte, error) {
	digest := sha256.Sum256(data)
	payload := SignedPayload{SHA256: hex.EncodeToString(digest[:]), Timestamp: timestamp}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	sig := ed25519.Sign(privKey, canonical)

	return json.Marshal(Envelope{
		Signature: base64.StdEncoding.EncodeToString(sig),
		Timestamp: timestamp,
		SHA256:    payload.SHA256,
	})
}
