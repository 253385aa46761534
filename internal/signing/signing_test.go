package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func generateKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

var catalog = []byte("rules:\n  - id: \"1.2.1\"\n    flags:\n      - name: anonymous-auth\n        value: \"false\"\n")

func TestVerifyValidSignature(t *testing.T) {
	pub, priv := generateKeyPair(t)
	sig, err := Sign(priv, catalog, time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}

	result := NewVerifier(pub, time.Hour).Verify(catalog, sig)
	if !result.Valid {
		t.Fatalf("expected valid, got: %s", result.Reason)
	}
}

func TestVerifyTamperedCatalog(t *testing.T) {
	pub, priv := generateKeyPair(t)
	sig, _ := Sign(priv, catalog, time.Now().Unix())

	tampered := []byte(strings.Replace(string(catalog), `"false"`, `"true"`, 1))
	result := NewVerifier(pub, 0).Verify(tampered, sig)
	if result.Valid {
		t.Fatal("expected rejection for a modified catalog")
	}
	if !strings.Contains(result.Reason, "digest") {
		t.Errorf("unexpected reason %q", result.Reason)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	_, priv := generateKeyPair(t)
	otherPub, _ := generateKeyPair(t)
	sig, _ := Sign(priv, catalog, time.Now().Unix())

	if result := NewVerifier(otherPub, 0).Verify(catalog, sig); result.Valid {
		t.Fatal("expected rejection for wrong key")
	}
}

func TestVerifyExpiredSignature(t *testing.T) {
	pub, priv := generateKeyPair(t)
	sig, _ := Sign(priv, catalog, time.Now().Add(-48*time.Hour).Unix())

	result := NewVerifier(pub, 24*time.Hour).Verify(catalog, sig)
	if result.Valid {
		t.Fatal("expected rejection for an old signature")
	}

	if result := NewVerifier(pub, 0).Verify(catalog, sig); !result.Valid {
		t.Errorf("maxAge 0 should accept any age: %s", result.Reason)
	}
}

func TestVerifyMalformed(t *testing.T) {
	pub, _ := generateKeyPair(t)
	v := NewVerifier(pub, 0)
	for _, sig := range []string{"", "not json", `{"sha256":"x"}`} {
		if result := v.Verify(catalog, []byte(sig)); result.Valid {
			t.Errorf("expected rejection for %q", sig)
		}
	}
}

func TestVerifyFile(t *testing.T) {
	pub, priv := generateKeyPair(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, catalog, 0600); err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(pub, 0)
	if err := v.VerifyFile(path); err == nil {
		t.Fatal("expected error without a signature file")
	}

	sig, _ := Sign(priv, catalog, time.Now().Unix())
	if err := os.WriteFile(path+SignatureSuffix, sig, 0600); err != nil {
		t.Fatal(err)
	}
	if err := v.VerifyFile(path); err != nil {
		t.Errorf("expected valid file, got %v", err)
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, _ := generateKeyPair(t)

	for name, s := range map[string]string{
		"hex":    hex.EncodeToString(pub),
		"base64": base64.StdEncoding.EncodeToString(pub),
		"raw":    base64.RawURLEncoding.EncodeToString(pub),
	} {
		got, err := ParsePublicKey(s)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if !got.Equal(pub) {
			t.Errorf("%s: key mismatch", name)
		}
	}

	if _, err := ParsePublicKey(""); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := ParsePublicKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestLoadPublicKeyFromFile(t *testing.T) {
	pub, _ := generateKeyPair(t)
	path := filepath.Join(t.TempDir(), "catalog.pub")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(pub)+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	got, err := LoadPublicKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(pub) {
		t.Error("key mismatch")
	}
}
