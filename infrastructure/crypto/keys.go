package crypto

import (
	"fmt"
	"os"
)

// KeyProvider supplies the master secret envelopes are derived from.
type KeyProvider interface {
	Key() ([]byte, error)
}

// StaticKey is a master secret held in memory.
type StaticKey []byte

func (k StaticKey) Key() ([]byte, error) {
	if len(k) == 0 {
		return nil, fmt.Errorf("master key is empty")
	}
	return []byte(k), nil
}

// EnvKey reads the master secret from the named environment variable on every call.
type EnvKey string

func (k EnvKey) Key() ([]byte, error) {
	v := os.Getenv(string(k))
	if v == "" {
		return nil, fmt.Errorf("master key not set: export %s", string(k))
	}
	return []byte(v), nil
}
