// Package vault implements at-rest encryption for sensitive PluginConfig
// fields: AES-256-GCM AEAD, an `ENC:` prefix marking already-encrypted
// values, and a masked view safe to place in logs or audit entries.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/scrypt"
)

const (
	keySize    = 32 // 256-bit AEAD key
	nonceSize  = 12 // 96-bit GCM nonce
	encPrefix  = "ENC:"
	scryptCost = 1 << 15
)

// sensitiveNameFragments flags any config field whose name contains one
// of these substrings (case-insensitive) as requiring encryption at rest.
var sensitiveNameFragments = []string{
	"password", "secret", "token", "key", "credential",
	"connectionstring", "authtoken", "apikey",
}

// Vault encrypts and decrypts sensitive PluginConfig fields with a
// process-wide key loaded once at bootstrap.
type Vault struct {
	key []byte
}

// New builds a Vault from a hex-encoded 32-byte key.
func New(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	return &Vault{key: key}, nil
}

// NewFromPassphrase derives a 32-byte key from a passphrase and salt
// using scrypt, for deployments that supply a human-memorable secret
// instead of raw key material.
func NewFromPassphrase(passphrase, salt string) (*Vault, error) {
	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptCost, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return &Vault{key: key}, nil
}

// NewDevelopment derives a key from the local hostname. This path must
// never be taken in a production build; the caller is expected to gate
// it behind an explicit non-production check and log the fallback.
func NewDevelopment(log *zap.Logger) (*Vault, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "opsagent-dev"
	}
	sum := sha256.Sum256([]byte("opsagent-dev-key:" + host))
	if log != nil {
		log.Warn("vault: falling back to development key derived from hostname; do not use in production")
	}
	return &Vault{key: sum[:]}, nil
}

// IsSensitiveField reports whether a config field name should be
// encrypted at rest.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range sensitiveNameFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Encrypt seals plaintext under the vault's key, returning
// `ENC:<nonce>:<authTag>:<ciphertext>` hex-encoded. Encrypting an
// already-`ENC:`-prefixed value is a no-op (idempotent).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if strings.HasPrefix(plaintext, encPrefix) {
		return plaintext, nil
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	tagSize := gcm.Overhead()
	ciphertext, authTag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s%s:%s:%s", encPrefix,
		hex.EncodeToString(nonce), hex.EncodeToString(authTag), hex.EncodeToString(ciphertext)), nil
}

// Decrypt reverses Encrypt. Decrypting a plaintext (non-`ENC:`-prefixed)
// value is a no-op, making it safe to call on fields that may or may not
// be encrypted.
func (v *Vault) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}

	parts := strings.SplitN(strings.TrimPrefix(value, encPrefix), ":", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("vault: malformed encrypted value")
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("vault: decode nonce: %w", err)
	}
	authTag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("vault: decode auth tag: %w", err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("vault: decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}

	sealed := append(ciphertext, authTag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptConfig encrypts every sensitive string field of a PluginConfig
// map, returning a new map (the input is not mutated).
func (v *Vault) EncryptConfig(config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for k, val := range config {
		str, ok := val.(string)
		if !ok || !IsSensitiveField(k) {
			out[k] = val
			continue
		}
		enc, err := v.Encrypt(str)
		if err != nil {
			return nil, fmt.Errorf("vault: encrypt field %q: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptConfig decrypts every sensitive string field of a PluginConfig
// map, returning a new map.
func (v *Vault) DecryptConfig(config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for k, val := range config {
		str, ok := val.(string)
		if !ok || !IsSensitiveField(k) {
			out[k] = val
			continue
		}
		dec, err := v.Decrypt(str)
		if err != nil {
			return nil, fmt.Errorf("vault: decrypt field %q: %w", k, err)
		}
		out[k] = dec
	}
	return out, nil
}

// MaskConfig returns a view of config safe for logs or audit entries:
// non-sensitive fields pass through plaintext; sensitive fields collapse
// to `[ENCRYPTED]` (if still in wire form) or a short masked prefix.
func MaskConfig(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, val := range config {
		str, ok := val.(string)
		if !ok || !IsSensitiveField(k) {
			out[k] = val
			continue
		}
		out[k] = maskValue(str)
	}
	return out
}

func maskValue(value string) string {
	if strings.HasPrefix(value, encPrefix) {
		return "[ENCRYPTED]"
	}
	if len(value) <= 3 {
		return strings.Repeat("*", len(value))
	}
	prefix := value[:3]
	starCount := len(value) - 3
	if starCount > 8 {
		starCount = 8
	}
	return prefix + strings.Repeat("*", starCount)
}
