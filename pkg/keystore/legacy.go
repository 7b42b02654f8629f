package keystore

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"errors"
	"fmt"
)

// Legacy on-disk format: AES-256 in ECB mode with PKCS#7 padding, hex
// encoded, over base64(JSON(value)). It is read for compatibility and
// rewritten by the reencrypt migration; new values are never written in it.

func isLegacyCiphertext(s string) bool {
	if len(s) == 0 || len(s)%(2*aes.BlockSize) != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func legacyEncrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create legacy cipher: %w", err)
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(buf))
	for i := 0; i < len(buf); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], buf[i:i+aes.BlockSize])
	}
	return hex.EncodeToString(out), nil
}

func legacyDecrypt(key []byte, ciphertext string) ([]byte, error) {
	data, err := hex.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode legacy ciphertext: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("legacy ciphertext is not block aligned")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create legacy cipher: %w", err)
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("bad legacy padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("bad legacy padding")
		}
	}
	return out[:len(out)-pad], nil
}

// legacySeal writes value in the legacy format.
func legacySeal(k *Key, value any) (string, error) {
	plaintext, err := encodePlaintext(value)
	if err != nil {
		return "", err
	}
	return legacyEncrypt(k.legacy, plaintext)
}
