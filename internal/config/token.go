package config

import (
	"errors"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// Service/keys for OS keyring.
const (
	keyringService = "snapcode"
	keyringModel   = "model_token"
	keyringAPI     = "api_token"
)

// TokenStore abstracts the keyring so tests can stub it.
type TokenStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

// osKeyring implements TokenStore using github.com/zalando/go-keyring.
type osKeyring struct{}

func (osKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }
func (osKeyring) Set(service, key, value string) error    { return keyring.Set(service, key, value) }
func (osKeyring) Delete(service, key string) error        { return keyring.Delete(service, key) }

var tokenStore TokenStore = osKeyring{}

// SetTokenStore swaps the keyring backend and returns the previous one.
func SetTokenStore(s TokenStore) TokenStore {
	prev := tokenStore
	tokenStore = s
	return prev
}

// ModelToken returns the inference API token. The environment wins over the keyring;
// a missing keyring entry yields "".
func ModelToken() string {
	if v := strings.TrimSpace(os.Getenv(EnvModelToken)); v != "" {
		return v
	}
	tok, _ := tokenStore.Get(keyringService, keyringModel)
	return tok
}

// SetModelToken stores the inference API token in the keyring.
func SetModelToken(token string) error {
	return tokenStore.Set(keyringService, keyringModel, token)
}

// APIToken returns the bearer token required by the HTTP API, if any.
func APIToken() string {
	tok, _ := tokenStore.Get(keyringService, keyringAPI)
	return tok
}

// SetAPIToken stores the bearer token for the HTTP API.
func SetAPIToken(token string) error {
	return tokenStore.Set(keyringService, keyringAPI, token)
}

// ClearTokens removes both tokens. Missing entries are not an error.
func ClearTokens() error {
	var errs []error
	for _, key := range []string{keyringModel, keyringAPI} {
		if err := tokenStore.Delete(keyringService, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
