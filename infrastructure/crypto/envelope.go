package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"x-agent-manager/domain/model"
)

const (
	EnvelopeVersion = 1
	Algorithm       = "aes-256-gcm"
	KDF             = "pbkdf2-sha256"

	// MinIterations is the lowest PBKDF2 work factor accepted for new envelopes.
	MinIterations = 210000
	// MaxIterations bounds the work factor read back from an envelope.
	MaxIterations = 10_000_000

	saltSize  = 16
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

// Envelope is the at-rest form of an encrypted payload. Binary fields are base64.
type Envelope struct {
	Version     int    `json:"version"`
	Algorithm   string `json:"algorithm"`
	KDF         string `json:"kdf"`
	Iterations  int    `json:"iterations"`
	Salt        string `json:"salt"`
	IV          string `json:"iv"`
	Tag         string `json:"tag"`
	Ciphertext  string `json:"ciphertext"`
	EncryptedAt string `json:"encryptedAt"`
}

// Cipher seals and opens envelopes with a key derived from a master secret.
type Cipher struct {
	keys       KeyProvider
	iterations int
	rand       io.Reader
	now        func() time.Time
}

func NewCipher(keys KeyProvider, iterations int) *Cipher {
	if iterations < MinIterations {
		iterations = MinIterations
	}
	if iterations > MaxIterations {
		iterations = MaxIterations
	}
	return &Cipher{keys: keys, iterations: iterations, rand: rand.Reader, now: time.Now}
}

// Seal encodes v as JSON and encrypts it under a fresh salt and nonce.
func (c *Cipher) Seal(v any) (*Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, &model.CryptoError{Op: "encrypt", Err: err}
	}
	return c.Encrypt(plaintext)
}

// Open decrypts env and decodes the plaintext JSON into v.
func (c *Cipher) Open(env *Envelope, v any) error {
	plaintext, err := c.Decrypt(env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return &model.CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: %v", model.ErrPayloadInvalid, err)}
	}
	return nil
}

func (c *Cipher) Encrypt(plaintext []byte) (*Envelope, error) {
	master, err := c.keys.Key()
	if err != nil {
		return nil, &model.CryptoError{Op: "encrypt", Err: err}
	}

	salt := make([]byte, saltSize)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, &model.CryptoError{Op: "encrypt", Err: err}
	}
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, &model.CryptoError{Op: "encrypt", Err: err}
	}

	aead, err := newAEAD(master, salt, c.iterations)
	if err != nil {
		return nil, &model.CryptoError{Op: "encrypt", Err: err}
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return &Envelope{
		Version:     EnvelopeVersion,
		Algorithm:   Algorithm,
		KDF:         KDF,
		Iterations:  c.iterations,
		Salt:        enc.EncodeToString(salt),
		IV:          enc.EncodeToString(nonce),
		Tag:         enc.EncodeToString(tag),
		Ciphertext:  enc.EncodeToString(ct),
		EncryptedAt: model.FormatTime(c.now()),
	}, nil
}

// Decrypt authenticates and opens env. A wrong key and a modified envelope
// both fail with model.ErrAuthenticationFailed.
func (c *Cipher) Decrypt(env *Envelope) ([]byte, error) {
	salt, nonce, tag, ct, err := decodeEnvelope(env)
	if err != nil {
		return nil, &model.CryptoError{Op: "decrypt", Err: err}
	}
	master, err := c.keys.Key()
	if err != nil {
		return nil, &model.CryptoError{Op: "decrypt", Err: err}
	}
	aead, err := newAEAD(master, salt, env.Iterations)
	if err != nil {
		return nil, &model.CryptoError{Op: "decrypt", Err: err}
	}
	plaintext, err := aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, &model.CryptoError{Op: "decrypt", Err: model.ErrAuthenticationFailed}
	}
	return plaintext, nil
}

func decodeEnvelope(env *Envelope) (salt, nonce, tag, ct []byte, err error) {
	if env == nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: nil envelope", model.ErrPayloadInvalid)
	}
	if env.Version != EnvelopeVersion {
		return nil, nil, nil, nil, fmt.Errorf("%w: unsupported version %d", model.ErrPayloadInvalid, env.Version)
	}
	if env.Algorithm != "" && env.Algorithm != Algorithm {
		return nil, nil, nil, nil, fmt.Errorf("%w: unsupported algorithm %q", model.ErrPayloadInvalid, env.Algorithm)
	}
	if env.Iterations <= 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: missing iterations", model.ErrPayloadInvalid)
	}
	if env.Iterations > MaxIterations {
		return nil, nil, nil, nil, fmt.Errorf("%w: iterations %d above %d", model.ErrPayloadInvalid, env.Iterations, MaxIterations)
	}

	fields := []struct {
		name string
		val  string
		dst  *[]byte
	}{
		{"salt", env.Salt, &salt},
		{"iv", env.IV, &nonce},
		{"tag", env.Tag, &tag},
		{"ciphertext", env.Ciphertext, &ct},
	}
	for _, f := range fields {
		if f.val == "" {
			return nil, nil, nil, nil, fmt.Errorf("%w: missing %s", model.ErrPayloadInvalid, f.name)
		}
		b, decErr := base64.StdEncoding.DecodeString(f.val)
		if decErr != nil || len(b) == 0 {
			return nil, nil, nil, nil, fmt.Errorf("%w: bad %s", model.ErrPayloadInvalid, f.name)
		}
		*f.dst = b
	}
	if len(nonce) != nonceSize || len(tag) != tagSize {
		return nil, nil, nil, nil, fmt.Errorf("%w: bad iv or tag length", model.ErrPayloadInvalid)
	}
	return salt, nonce, tag, ct, nil
}

func newAEAD(master, salt []byte, iterations int) (cipher.AEAD, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master key")
	}
	key := pbkdf2.Key(master, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IsEnvelope reports whether raw looks like an encrypted envelope rather than
// a plaintext payload.
func IsEnvelope(raw []byte) bool {
	var probe struct {
		Version    *int    `json:"version"`
		Ciphertext *string `json:"ciphertext"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Version != nil && probe.Ciphertext != nil
}
