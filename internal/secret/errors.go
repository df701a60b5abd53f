package secret

import "errors"

var (
	// ErrSecretNotFound is returned when no secret exists for the pair
	ErrSecretNotFound = errors.New("secret not found")

	// ErrDecryptFailed is returned when ciphertext fails authentication
	ErrDecryptFailed = errors.New("secret decryption failed")
)
