package device

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for device secrets.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashSecret returns an argon2id PHC string for secret:
// $argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifySecret compares secret against a PHC string produced by HashSecret.
func VerifySecret(secret, encoded string) (bool, error) {
	p, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.threads, uint32(len(p.key))) //nolint:gosec // key length fits uint32
	return subtle.ConstantTimeCompare(p.key, candidate) == 1, nil
}

type phc struct {
	time    uint32
	memory  uint32
	threads uint8
	salt    []byte
	key     []byte
}

func parsePHC(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, fmt.Errorf("%w: not an argon2id PHC string", ErrInvalidSecretHash)
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrInvalidSecretHash, parts[2])
	}

	var p phc
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return nil, fmt.Errorf("%w: parsing parameters: %v", ErrInvalidSecretHash, err)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, fmt.Errorf("%w: decoding salt: %v", ErrInvalidSecretHash, err)
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.key) == 0 {
		return nil, fmt.Errorf("%w: decoding key", ErrInvalidSecretHash)
	}
	return &p, nil
}

// SecretLookup returns the stored secret hash for a device.
type SecretLookup interface {
	SecretHash(ctx context.Context, deviceID string) (string, error)
}

// SecretVerifier authenticates devices against their stored argon2id hash.
// Unknown devices and devices without a secret are rejected, not errors.
type SecretVerifier struct {
	store SecretLookup
}

// NewSecretVerifier creates a verifier backed by store.
func NewSecretVerifier(store SecretLookup) *SecretVerifier {
	return &SecretVerifier{store: store}
}

// Verify reports whether secret matches the device's stored hash.
func (v *SecretVerifier) Verify(ctx context.Context, deviceID, secret string) (bool, error) {
	hash, err := v.store.SecretHash(ctx, deviceID)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up secret for %s: %w", deviceID, err)
	}
	if hash == "" || secret == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return VerifySecret(secret, hash)
}
