// ABOUTME: Signing key derivation from the configured master secret
// ABOUTME: Uses HKDF-SHA256 so the raw secret never signs anything directly

package token

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const signingKeySize = 32

// keyInfo binds derived keys to their purpose. Changing it invalidates
// every outstanding token.
const keyInfo = "synapse-hub/token-signing/v1"

// DeriveSigningKey expands the master secret into a 32-byte HMAC signing key.
func DeriveSigningKey(masterSecret []byte) ([]byte, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is empty")
	}

	r := hkdf.New(sha256.New, masterSecret, nil, []byte(keyInfo))
	key := make([]byte, signingKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	return key, nil
}
