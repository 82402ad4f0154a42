package osnma

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"tresd/internal/security"
)

// Key loading errors
var (
	ErrInvalidKeyFormat = errors.New("osnma: invalid key format")
	ErrUnsupportedKey   = errors.New("osnma: unsupported key type (expected Ed25519)")
	ErrKeyTooShort      = errors.New("osnma: key shorter than 16 bytes")
)

// minHMACKeyBytes rejects keys too short to resist brute force.
const minHMACKeyBytes = 16

// AddHMACKey installs a pre-shared HMAC key under an id. The key is copied
// into locked memory and the caller's slice is wiped.
func (v *Verifier) AddHMACKey(id string, key []byte) error {
	if v.algorithm != AlgorithmHMACSHA256 {
		return fmt.Errorf("%w: verifier uses %s", ErrUnsupportedAlgorithm, v.algorithm)
	}
	if len(key) < minHMACKeyBytes {
		return ErrKeyTooShort
	}

	sb, err := security.FromBytes(key)
	if err != nil {
		return fmt.Errorf("secure key: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.hmacKeys[id]; ok {
		old.Destroy()
	}
	v.hmacKeys[id] = sb
	return nil
}

// LoadHMACKey reads a pre-shared key from file. The file holds either raw
// key bytes or a hex-encoded string.
func (v *Verifier) LoadHMACKey(id, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	// Hex text is the common interchange form for shared keys; fall back
	// to raw bytes when the content does not decode.
	trimmed := strings.TrimSpace(string(data))
	if decoded, hexErr := hex.DecodeString(trimmed); hexErr == nil && len(decoded) >= minHMACKeyBytes {
		security.Wipe(data)
		return v.AddHMACKey(id, decoded)
	}
	return v.AddHMACKey(id, data)
}

// AddVerifyKey installs an Ed25519 public key under an id.
func (v *Verifier) AddVerifyKey(id string, pub ed25519.PublicKey) error {
	if v.algorithm != AlgorithmEd25519 {
		return fmt.Errorf("%w: verifier uses %s", ErrUnsupportedAlgorithm, v.algorithm)
	}
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidKeyFormat
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.verifyKeys[id] = pub
	return nil
}

// LoadVerifyKey reads an Ed25519 public key from file.
// Supports OpenSSH format (ssh-ed25519 ...) and raw 32-byte keys.
func (v *Verifier) LoadVerifyKey(id, path string) error {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key: %w", err)
	}

	// Try raw public key (32 bytes)
	if len(keyData) == ed25519.PublicKeySize {
		return v.AddVerifyKey(id, ed25519.PublicKey(keyData))
	}

	// Try OpenSSH format
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(keyData)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}

	cryptoPubKey, ok := pubKey.(ssh.CryptoPublicKey)
	if !ok {
		return ErrInvalidKeyFormat
	}

	edKey, ok := cryptoPubKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrUnsupportedKey, cryptoPubKey.CryptoPublicKey())
	}

	return v.AddVerifyKey(id, edKey)
}

// KeyIDs lists the ids of all loaded keys.
func (v *Verifier) KeyIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := make([]string, 0, len(v.hmacKeys)+len(v.verifyKeys))
	for id := range v.hmacKeys {
		ids = append(ids, id)
	}
	for id := range v.verifyKeys {
		ids = append(ids, id)
	}
	return ids
}
