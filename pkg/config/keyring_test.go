package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore(KeyringService)

	_, err := store.Load("https://rp.example.com")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Save("https://rp.example.com/", "secret"))
	key, err := store.Load("https://rp.example.com")
	require.NoError(t, err)
	assert.Equal(t, "secret", key, "trailing slash does not change the keyring entry")

	require.NoError(t, store.Delete("https://rp.example.com"))
	_, err = store.Load("https://rp.example.com")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.NoError(t, store.Delete("https://rp.example.com"), "deleting a missing key is fine")

	assert.Error(t, store.Save("  ", "secret"))
}

func TestResolveAPIKey(t *testing.T) {
	keyring.MockInit()
	store := NewKeyringStore(KeyringService)
	require.NoError(t, store.Save("https://rp.example.com", "from-keyring"))

	cfg := Default()
	cfg.Endpoint = "https://rp.example.com"
	require.NoError(t, cfg.ResolveAPIKey(store))
	assert.Equal(t, "from-keyring", cfg.APIKey)

	cfg.APIKey = "explicit"
	require.NoError(t, cfg.ResolveAPIKey(store))
	assert.Equal(t, "explicit", cfg.APIKey, "configured key wins")

	other := Default()
	other.Endpoint = "https://other.example.com"
	require.NoError(t, other.ResolveAPIKey(store))
	assert.Empty(t, other.APIKey)
}

func TestResolveAPIKeyKeyringFailure(t *testing.T) {
	keyring.MockInitWithError(errors.New("no dbus session"))
	defer keyring.MockInit()

	cfg := Default()
	cfg.Endpoint = "https://rp.example.com"
	err := cfg.ResolveAPIKey(NewKeyringStore(KeyringService))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no dbus session")
}
