package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"unicode/utf8"
)

// Seal encrypts plaintext under key with a fresh random nonce and returns
// base64(nonce || ciphertext || tag).
func Seal(key, plaintext []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Every failure is reported as ErrDecryption.
func Open(key []byte, content string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64", ErrDecryption)
	}
	if len(raw) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: sealed payload too short (%d bytes)", ErrDecryption, len(raw))
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plain, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	if !utf8.Valid(plain) {
		return nil, fmt.Errorf("%w: plaintext is not utf-8", ErrDecryption)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Box binds a group secret to a keyring so callers can seal and open
// envelope content without handling key bytes.
type Box struct {
	secret GroupSecret
	ring   *Keyring
}

func NewBox(secret GroupSecret, ring *Keyring) (*Box, error) {
	if ring == nil {
		ring = NewKeyring()
	}
	if _, err := ring.Key(secret); err != nil {
		return nil, err
	}
	return &Box{secret: secret, ring: ring}, nil
}

func (b *Box) GroupID() string {
	return b.secret.GroupID()
}

func (b *Box) Encrypt(plaintext []byte) (string, error) {
	key, err := b.ring.Key(b.secret)
	if err != nil {
		return "", err
	}
	return Seal(key, plaintext)
}

func (b *Box) Decrypt(content string) ([]byte, error) {
	key, err := b.ring.Key(b.secret)
	if err != nil {
		return nil, err
	}
	return Open(key, content)
}
