// internal/crypto/crypto.go
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"
)

// -----------------------------------------------------------------------------
// Nearcast crypto
//
// - group secret: first 15 chars = group id (also HKDF salt), chars 15..22 = key material
// - HKDF-SHA256, empty info, 32-byte key
// - AES-256-GCM, 12-byte random nonce, content = base64(nonce || ct || tag)
// -----------------------------------------------------------------------------

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16

	GroupIDLen      = 15
	MinGroupSecret  = 23
	transportPrefix = "nearcast:transport:v1:"
)

var (
	ErrInvalidGroupSecret = errors.New("invalid group secret")
	ErrDecryption         = errors.New("decryption failed")
)

// GroupSecret is the user-configured shared string. Lengths and offsets are
// counted in characters, not bytes.
type GroupSecret string

func ParseGroupSecret(s string) (GroupSecret, error) {
	if n := utf8.RuneCountInString(s); n < MinGroupSecret {
		return "", fmt.Errorf("%w: need at least %d characters, got %d", ErrInvalidGroupSecret, MinGroupSecret, n)
	}
	return GroupSecret(s), nil
}

func (g GroupSecret) String() string {
	return "GroupSecret{REDACTED}"
}

func (g GroupSecret) GoString() string {
	return "crypto.GroupSecret{REDACTED}"
}

// GroupID is the discriminator every accepted envelope must carry.
func (g GroupSecret) GroupID() string {
	return runeSlice(string(g), 0, GroupIDLen)
}

func (g GroupSecret) keyMaterial() string {
	return runeSlice(string(g), GroupIDLen, MinGroupSecret)
}

func runeSlice(s string, from, to int) string {
	r := []rune(s)
	if from > len(r) {
		return ""
	}
	if to > len(r) {
		to = len(r)
	}
	return string(r[from:to])
}

// -----------------------------------------------------------------------------
// Key derivation
// -----------------------------------------------------------------------------

func DeriveKey(secret GroupSecret) ([]byte, error) {
	if _, err := ParseGroupSecret(string(secret)); err != nil {
		return nil, err
	}
	return expand([]byte(secret.keyMaterial()), []byte(secret.GroupID()), nil)
}

// DeriveSubkey derives a key bound to label from the group key. Used for
// material that must differ from the envelope key (transport certificates).
func DeriveSubkey(secret GroupSecret, label string) ([]byte, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return expand(key, nil, []byte(transportPrefix+label))
}

func expand(ikm, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Keyring caches the derived key for the current secret and re-derives it when
// a different secret is presented.
type Keyring struct {
	mu     sync.Mutex
	secret GroupSecret
	key    []byte
}

func NewKeyring() *Keyring {
	return &Keyring{}
}

func (k *Keyring) Key(secret GroupSecret) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil && k.secret == secret {
		return k.key, nil
	}
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	k.secret = secret
	k.key = key
	return key, nil
}
