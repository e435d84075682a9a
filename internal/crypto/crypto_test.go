package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"strings"
	"testing"
)

const testSecret = "nc-abcdefghijklmnopqrst"

func TestParseGroupSecretLength(t *testing.T) {
	if _, err := ParseGroupSecret(strings.Repeat("a", 22)); !errors.Is(err, ErrInvalidGroupSecret) {
		t.Fatalf("expected ErrInvalidGroupSecret, got %v", err)
	}
	s, err := ParseGroupSecret(testSecret)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := s.GroupID(); got != "nc-abcdefghijkl" {
		t.Fatalf("unexpected group id %q", got)
	}
	if got := s.keyMaterial(); got != "mnopqrst" {
		t.Fatalf("unexpected key material %q", got)
	}
}

func TestGroupSecretCountsCharacters(t *testing.T) {
	// 23 runes, more than 23 bytes
	s, err := ParseGroupSecret(strings.Repeat("ä", 23))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := s.GroupID(); got != strings.Repeat("ä", 15) {
		t.Fatalf("unexpected group id %q", got)
	}
}

func TestGroupSecretRedacted(t *testing.T) {
	s, _ := ParseGroupSecret(testSecret)
	if strings.Contains(s.String(), "abcdef") {
		t.Fatalf("secret leaked through String()")
	}
}

func TestDeriveKeyDeterminism(t *testing.T) {
	s, _ := ParseGroupSecret(testSecret)
	k1, err := DeriveKey(s)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey(s)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(k1) != KeySize || !bytes.Equal(k1, k2) {
		t.Fatalf("DeriveKey not deterministic")
	}

	other, _ := ParseGroupSecret("nc-abcdefghijklmnopqrsX")
	k3, err := DeriveKey(other)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatalf("expected different keys for different secrets")
	}

	// characters past 23 do not take part in derivation
	longer, _ := ParseGroupSecret(testSecret + "-unused-tail")
	k4, err := DeriveKey(longer)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(k1, k4) {
		t.Fatalf("expected trailing characters to be ignored")
	}
}

// Cross-check against the single-block HKDF the HTTP bridge clients compute
// by hand: prk = HMAC(salt, ikm), okm = HMAC(prk, 0x01).
func TestDeriveKeyMatchesManualHKDF(t *testing.T) {
	s, _ := ParseGroupSecret(testSecret)
	mac := hmac.New(sha256.New, []byte(s.GroupID()))
	mac.Write([]byte(s.keyMaterial()))
	prk := mac.Sum(nil)
	mac = hmac.New(sha256.New, prk)
	mac.Write([]byte{0x01})
	want := mac.Sum(nil)

	got, err := DeriveKey(s)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("derived key mismatch")
	}
}

func TestDeriveSubkeySeparation(t *testing.T) {
	s, _ := ParseGroupSecret(testSecret)
	key, _ := DeriveKey(s)
	a, err := DeriveSubkey(s, "quic")
	if err != nil {
		t.Fatalf("DeriveSubkey failed: %v", err)
	}
	b, err := DeriveSubkey(s, "other")
	if err != nil {
		t.Fatalf("DeriveSubkey failed: %v", err)
	}
	if bytes.Equal(a, b) || bytes.Equal(a, key) {
		t.Fatalf("expected separated subkeys")
	}
}

func TestKeyringRecomputesOnSecretChange(t *testing.T) {
	ring := NewKeyring()
	a, _ := ParseGroupSecret(testSecret)
	b, _ := ParseGroupSecret("zz-abcdefghijklmnopqrst")
	ka, err := ring.Key(a)
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}
	kb, err := ring.Key(b)
	if err != nil {
		t.Fatalf("key failed: %v", err)
	}
	if bytes.Equal(ka, kb) {
		t.Fatalf("expected keyring to re-derive for new secret")
	}
	again, _ := ring.Key(a)
	if !bytes.Equal(ka, again) {
		t.Fatalf("expected same key for same secret")
	}
}
