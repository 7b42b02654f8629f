package keystore

import (
	"errors"
	"fmt"
)

// ErrCryptoKeyUnavailable is matched by errors.Is for every access to an
// encrypted key while no crypto key is active.
var ErrCryptoKeyUnavailable = errors.New("crypto key unavailable")

// ErrNotReady is returned when a store is requested before a user is known.
var ErrNotReady = errors.New("store not ready to be initialised, currentUserId is missing")

// ErrUndecryptable is returned when a stored ciphertext cannot be opened
// and repair is disabled.
var ErrUndecryptable = errors.New("stored value cannot be decrypted")

// KeyUnavailableError reports an encrypted-key access without an active key.
type KeyUnavailableError struct {
	Key string
}

func (e *KeyUnavailableError) Error() string {
	return fmt.Sprintf("crypto key is not set: cannot access encrypted key %q", e.Key)
}

// Is matches ErrCryptoKeyUnavailable.
func (e *KeyUnavailableError) Is(target error) bool {
	return target == ErrCryptoKeyUnavailable
}

// ConfigurationError marks the error as an unmet precondition for the
// process engine.
func (e *KeyUnavailableError) ConfigurationError() bool {
	return true
}
