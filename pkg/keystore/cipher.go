package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// sealedPrefix marks values written by the authenticated cipher.
	sealedPrefix = "v2:"

	// derivedKeyLen is the length of the passphrase-derived key text.
	derivedKeyLen = 32

	aeadInfo = "stakehost/keystore/v2"
)

var errNotCiphertext = errors.New("value is not ciphertext")

// Key is the in-memory key material derived from a passphrase.
type Key struct {
	// legacy is the first 32 characters of base64(sha256(passphrase)),
	// used as raw AES-256 key bytes by the legacy format.
	legacy []byte

	// aead is expanded from legacy with HKDF for XChaCha20-Poly1305.
	aead []byte
}

// DeriveKey derives key material from a passphrase.
func DeriveKey(passphrase string) (*Key, error) {
	sum := sha256.Sum256([]byte(passphrase))
	legacy := []byte(base64.StdEncoding.EncodeToString(sum[:])[:derivedKeyLen])

	aead := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, legacy, nil, []byte(aeadInfo)), aead); err != nil {
		return nil, fmt.Errorf("failed to expand key: %w", err)
	}
	return &Key{legacy: legacy, aead: aead}, nil
}

// Zero overwrites the key material.
func (k *Key) Zero() {
	if k == nil {
		return
	}
	for i := range k.legacy {
		k.legacy[i] = 0
	}
	for i := range k.aead {
		k.aead[i] = 0
	}
}

func (k *Key) clone() *Key {
	if k == nil {
		return nil
	}
	return &Key{
		legacy: append([]byte(nil), k.legacy...),
		aead:   append([]byte(nil), k.aead...),
	}
}

// encodePlaintext normalizes a value to text: JSON, then base64.
func encodePlaintext(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(out, data)
	return out, nil
}

func decodePlaintext(text []byte) (any, error) {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return nil, fmt.Errorf("failed to decode plaintext: %w", err)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plaintext: %w", err)
	}
	return value, nil
}

// seal encrypts value with XChaCha20-Poly1305 under a random nonce.
func seal(k *Key, value any) (string, error) {
	plaintext, err := encodePlaintext(value)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.NewX(k.aead)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// open decrypts a value written by seal or by the legacy cipher.
func open(k *Key, ciphertext string) (any, error) {
	switch {
	case strings.HasPrefix(ciphertext, sealedPrefix):
		return openSealed(k, strings.TrimPrefix(ciphertext, sealedPrefix))
	case isLegacyCiphertext(ciphertext):
		plaintext, err := legacyDecrypt(k.legacy, ciphertext)
		if err != nil {
			return nil, err
		}
		return decodePlaintext(plaintext)
	default:
		return nil, errNotCiphertext
	}
}

func openSealed(k *Key, encoded string) (any, error) {
	sealed, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(k.aead)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate ciphertext: %w", err)
	}
	return decodePlaintext(plaintext)
}

// looksEncrypted reports whether a stored raw value is ciphertext in either format.
func looksEncrypted(raw any) bool {
	s, ok := raw.(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(s, sealedPrefix) || isLegacyCiphertext(s)
}

// plainPrefix marks a plaintext string under an encrypted root that would
// otherwise read as ciphertext.
const plainPrefix = "plain:"

// escapePlain prefixes a plaintext string that looks like ciphertext or
// already carries the marker.
func escapePlain(v any) any {
	s, ok := v.(string)
	if ok && (looksEncrypted(s) || strings.HasPrefix(s, plainPrefix)) {
		return plainPrefix + s
	}
	return v
}

// unescapePlain strips the marker added by escapePlain.
func unescapePlain(v any) (any, bool) {
	s, ok := v.(string)
	if ok && strings.HasPrefix(s, plainPrefix) {
		return strings.TrimPrefix(s, plainPrefix), true
	}
	return v, false
}

func isSealed(raw any) bool {
	s, ok := raw.(string)
	return ok && strings.HasPrefix(s, sealedPrefix)
}
