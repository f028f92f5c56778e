package chunker

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// keyDomain domain-separates session key derivation from any other use of
// the master key.
const keyDomain = "veilstream-session-"

// DeriveSessionKey derives the per-session encryption key from the master
// key and the session identifier. The session key is never reused across
// sessions and never derived from chunk content.
func DeriveSessionKey(masterKey []byte, sessionID string) ([]byte, error) {
	if len(masterKey) < chacha20poly1305.KeySize {
		return nil, fmt.Errorf("chunker: master key must be at least %d bytes", chacha20poly1305.KeySize)
	}

	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(keyDomain+sessionID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("chunker: derive session key: %w", err)
	}
	return key, nil
}
