package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the OS keyring service API keys are stored under.
const KeyringService = "rpreport"

var ErrKeyNotFound = errors.New("api key not found")

// KeyStore persists API keys per endpoint.
type KeyStore interface {
	Save(endpoint, apiKey string) error
	Load(endpoint string) (string, error)
	Delete(endpoint string) error
}

// KeyringStore stores API keys in the OS keyring.
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

func (s *KeyringStore) user(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}

func (s *KeyringStore) Save(endpoint, apiKey string) error {
	if s.user(endpoint) == "" {
		return errors.New("endpoint is required to store an api key")
	}
	if err := keyring.Set(s.service, s.user(endpoint), apiKey); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

func (s *KeyringStore) Load(endpoint string) (string, error) {
	value, err := keyring.Get(s.service, s.user(endpoint))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrKeyNotFound
		}
		return "", err
	}
	return value, nil
}

func (s *KeyringStore) Delete(endpoint string) error {
	if err := keyring.Delete(s.service, s.user(endpoint)); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// ResolveAPIKey fills in a missing API key from the store. A key that was
// never saved is not an error; an unreachable keyring is.
func (c *Config) ResolveAPIKey(store KeyStore) error {
	if c.APIKey != "" || c.Endpoint == "" || store == nil {
		return nil
	}
	key, err := store.Load(c.Endpoint)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read api key from keyring: %w", err)
	}
	c.APIKey = key
	return nil
}
