// Package credential issues and checks device secrets and verification
// codes. Plaintext secrets leave this package only as return values to the
// provisioning caller; nothing here logs.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// CodeLength is the number of characters in a verification code.
const CodeLength = 6

// NewDeviceSecret returns a fresh 128-bit bearer secret as 32 hex chars.
func NewDeviceSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("device secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashSecret returns the argon2id encoding stored in place of the secret.
func HashSecret(secret string) (string, error) {
	h, err := argon2id.CreateHash(secret, argon2id.DefaultParams)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return h, nil
}

// VerifySecret reports whether secret matches the stored encoding. An
// unparsable encoding is reported as an error, never as a match.
func VerifySecret(secret, encoded string) (bool, error) {
	if secret == "" || encoded == "" {
		return false, nil
	}
	ok, err := argon2id.ComparePasswordAndHash(secret, encoded)
	if err != nil {
		// The argon2id error text does not include either input.
		return false, fmt.Errorf("compare secret: %w", err)
	}
	return ok, nil
}

// NewVerificationCode returns CodeLength uppercase hex characters drawn
// from crypto/rand.
func NewVerificationCode() (string, error) {
	b := make([]byte, CodeLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("verification code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeCode trims and upper-cases a code typed by a person.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
