package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"x-agent-manager/domain/model"
	"x-agent-manager/infrastructure/crypto"
	"x-agent-manager/infrastructure/logger"
)

// CredentialRepository stores the account credential as an encrypted envelope file.
type CredentialRepository struct {
	path   string
	cipher *crypto.Cipher
}

func NewCredentialRepository(path string, cipher *crypto.Cipher) *CredentialRepository {
	return &CredentialRepository{path: path, cipher: cipher}
}

func (r *CredentialRepository) Path() string { return r.path }

func (r *CredentialRepository) Load(_ context.Context) (*model.Credential, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}

	cred := &model.Credential{}
	if !crypto.IsEnvelope(raw) {
		// Files written before encryption was introduced hold the token set as is.
		if err := json.Unmarshal(raw, cred); err != nil {
			return nil, fmt.Errorf("decode legacy credential: %w", err)
		}
		logger.GetLogger().WithField("path", r.path).Warn("Loaded plaintext credential; it will be encrypted on next save")
		return cred, nil
	}

	var env crypto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &model.CryptoError{Op: "decrypt", Err: fmt.Errorf("%w: %v", model.ErrPayloadInvalid, err)}
	}
	if err := r.cipher.Open(&env, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (r *CredentialRepository) Save(_ context.Context, cred *model.Credential) error {
	if cred == nil {
		return errors.New("save credential: nil credential")
	}
	env, err := r.cipher.Seal(cred)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := writeFileAtomic(r.path, append(data, '\n'), 0o600, 0o700); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

func (r *CredentialRepository) Delete(_ context.Context) error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
