package tenant

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Encryptor wraps a single master key (derived from the configured
// encryption key material) and seals/opens tenant record payloads with
// AES-GCM before they reach a Backend. It is optional: a nil *Encryptor
// passed to an encrypting backend wrapper means records are saved in the
// clear.
type Encryptor struct {
	key []byte // 32 bytes, AES-256
}

// NewEncryptor derives a 256-bit key from arbitrary key material via
// SHA-256, so operators can pass a passphrase of any length through
// TenantEncryptionKey.
func NewEncryptor(keyMaterial string) *Encryptor {
	sum := sha256.Sum256([]byte(keyMaterial))
	return &Encryptor{key: sum[:]}
}

// Seal encrypts plaintext and returns a base64 payload safe to store as a
// string column or JSON value.
func (e *Encryptor) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("tenant encryptor: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("tenant encryptor: create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tenant encryptor: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(payload string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("tenant encryptor: decode payload: %w", err)
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("tenant encryptor: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("tenant encryptor: create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("tenant encryptor: ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// EncryptingBackend wraps another Backend, sealing every field the spec
// calls sensitive (name, model, counters) into Record.Sealed and zeroing
// them before the inner backend ever marshals the record, so every
// backend's on-disk representation is opaque regardless of which one is
// underneath. Key, CreatedAt, LastUsed and ExpiryDate stay in the clear
// since stores and the rate limiter index on them directly.
type EncryptingBackend struct {
	inner Backend
	enc   *Encryptor
}

func NewEncryptingBackend(inner Backend, enc *Encryptor) *EncryptingBackend {
	return &EncryptingBackend{inner: inner, enc: enc}
}

type sealedFields struct {
	Name            string `json:"name"`
	Model           string `json:"model"`
	TokenLimitPer5h int64  `json:"tokenLimitPer5h"`
	LifetimeTokens  int64  `json:"lifetimeTokens"`
}

func (b *EncryptingBackend) seal(rec *Record) (*Record, error) {
	if b.enc == nil {
		return rec, nil
	}
	plaintext, err := json.Marshal(sealedFields{
		Name:            rec.Name,
		Model:           rec.Model,
		TokenLimitPer5h: rec.TokenLimitPer5h,
		LifetimeTokens:  rec.LifetimeTokens,
	})
	if err != nil {
		return nil, err
	}
	payload, err := b.enc.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	clone := *rec
	clone.Name, clone.Model, clone.TokenLimitPer5h, clone.LifetimeTokens = "", "", 0, 0
	clone.Sealed = payload
	return &clone, nil
}

func (b *EncryptingBackend) open(rec *Record) (*Record, error) {
	if rec.Sealed == "" {
		return rec, nil
	}
	plaintext, err := b.enc.Open(rec.Sealed)
	if err != nil {
		return nil, err
	}
	var fields sealedFields
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, err
	}
	clone := *rec
	clone.Name = fields.Name
	clone.Model = fields.Model
	clone.TokenLimitPer5h = fields.TokenLimitPer5h
	clone.LifetimeTokens = fields.LifetimeTokens
	clone.Sealed = ""
	return &clone, nil
}

func (b *EncryptingBackend) LoadAll(ctx context.Context) (map[Key]*Record, error) {
	raw, err := b.inner.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Key]*Record, len(raw))
	for k, rec := range raw {
		opened, err := b.open(rec)
		if err != nil {
			return nil, fmt.Errorf("tenant encrypting backend: open %s: %w", k, err)
		}
		out[k] = opened
	}
	return out, nil
}

func (b *EncryptingBackend) Save(ctx context.Context, rec *Record) error {
	sealed, err := b.seal(rec)
	if err != nil {
		return err
	}
	return b.inner.Save(ctx, sealed)
}

func (b *EncryptingBackend) Delete(ctx context.Context, key Key) error {
	return b.inner.Delete(ctx, key)
}

func (b *EncryptingBackend) Close() error { return b.inner.Close() }
