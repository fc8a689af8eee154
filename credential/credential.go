// Package credential decrypts the credential ciphertexts stored on agent
// definitions. Production deployments use compact JWE tokens encrypted with a
// symmetric A256KW key; PlainDecrypter exists for local development.
package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"

	"github.com/hupe1980/agentforge/core"
)

// KeySize is the length of the symmetric key encryption key in bytes.
const KeySize = 32

// PlainPrefix marks an unencrypted development secret.
const PlainPrefix = "plain:"

// ErrEmptyCiphertext is returned for blank ciphertexts.
var ErrEmptyCiphertext = errors.New("credential: empty ciphertext")

// JWEDecrypter decrypts compact JWE tokens with a symmetric key.
type JWEDecrypter struct {
	key   []byte
	keyID string
}

// NewJWEDecrypter creates a decrypter for a KeySize byte key. keyID, when
// set, must match the kid header of every token.
func NewJWEDecrypter(key []byte, keyID string) (*JWEDecrypter, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("credential: key must be %d bytes, got %d", KeySize, len(key))
	}

	return &JWEDecrypter{key: append([]byte(nil), key...), keyID: keyID}, nil
}

// Decrypt implements core.Decrypter.
func (d *JWEDecrypter) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ciphertext = strings.TrimSpace(ciphertext)
	if ciphertext == "" {
		return "", ErrEmptyCiphertext
	}

	if d.keyID != "" {
		msg, err := jwe.Parse([]byte(ciphertext))
		if err != nil {
			return "", fmt.Errorf("credential: parse token: %w", err)
		}

		if kid, _ := msg.ProtectedHeaders().KeyID(); kid != d.keyID {
			return "", fmt.Errorf("credential: unexpected key id %q", kid)
		}
	}

	plain, err := jwe.Decrypt([]byte(ciphertext), jwe.WithKey(jwa.A256KW(), d.key))
	if err != nil {
		return "", fmt.Errorf("credential: decrypt: %w", err)
	}

	return string(plain), nil
}

// Encrypt produces a compact JWE token for plaintext. It is used by tooling
// that provisions credentials and by tests.
func Encrypt(key []byte, keyID, plaintext string) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("credential: key must be %d bytes, got %d", KeySize, len(key))
	}

	opts := []jwe.EncryptOption{
		jwe.WithKey(jwa.A256KW(), key),
		jwe.WithContentEncryption(jwa.A256GCM()),
		jwe.WithCompact(),
	}

	if keyID != "" {
		hdrs := jwe.NewHeaders()
		if err := hdrs.Set(jwe.KeyIDKey, keyID); err != nil {
			return "", fmt.Errorf("credential: set key id: %w", err)
		}

		opts = append(opts, jwe.WithProtectedHeaders(hdrs))
	}

	token, err := jwe.Encrypt([]byte(plaintext), opts...)
	if err != nil {
		return "", fmt.Errorf("credential: encrypt: %w", err)
	}

	return string(token), nil
}

// PlainDecrypter accepts "plain:" prefixed values and returns the remainder.
type PlainDecrypter struct{}

// Decrypt implements core.Decrypter.
func (PlainDecrypter) Decrypt(_ context.Context, ciphertext string) (string, error) {
	value, ok := strings.CutPrefix(ciphertext, PlainPrefix)
	if !ok {
		return "", fmt.Errorf("credential: value is not %q prefixed", PlainPrefix)
	}

	return value, nil
}

// Chain tries a plain-text decrypter for "plain:" values and delegates
// everything else to next.
type Chain struct {
	next core.Decrypter
}

// NewChain wraps next.
func NewChain(next core.Decrypter) *Chain { return &Chain{next: next} }

// Decrypt implements core.Decrypter.
func (c *Chain) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	if strings.HasPrefix(ciphertext, PlainPrefix) {
		return PlainDecrypter{}.Decrypt(ctx, ciphertext)
	}

	if c.next == nil {
		return "", errors.New("credential: no decrypter configured")
	}

	return c.next.Decrypt(ctx, ciphertext)
}

// KeyFromEnv reads a base64 (std or raw URL) encoded key from the named
// environment variable.
func KeyFromEnv(name string) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("credential: %s is not set", name)
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding, base64.URLEncoding, base64.RawStdEncoding} {
		if key, err := enc.DecodeString(raw); err == nil {
			return key, nil
		}
	}

	return nil, fmt.Errorf("credential: %s is not valid base64", name)
}

// New builds the decrypter for a deployment. With a key available it returns
// a JWE decrypter (chained with plain-text support when allowPlain is set);
// without a key only plain-text secrets are accepted, and only if allowed.
func New(keyEnv, keyID string, allowPlain bool) (core.Decrypter, error) {
	key, err := KeyFromEnv(keyEnv)
	if err != nil {
		if allowPlain {
			return PlainDecrypter{}, nil
		}

		return nil, err
	}

	dec, err := NewJWEDecrypter(key, keyID)
	if err != nil {
		return nil, err
	}

	if allowPlain {
		return NewChain(dec), nil
	}

	return dec, nil
}
