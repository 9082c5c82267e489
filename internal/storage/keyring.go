package storage

import (
	"context"
	"errors"

	"github.com/zalando/go-keyring"
)

const DefaultKeyringService = "octoauth"

// Keyring stores each credential as a separate secret of the OS keyring.
type Keyring struct {
	service string
}

func NewKeyring(service string) *Keyring {
	if service == "" {
		service = DefaultKeyringService
	}
	return &Keyring{service: service}
}

func (k *Keyring) Get(_ context.Context, key string) (string, error) {
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (k *Keyring) Set(_ context.Context, key, value string) error {
	return keyring.Set(k.service, key, value)
}

func (k *Keyring) Delete(_ context.Context, key string) error {
	if err := keyring.Delete(k.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// IsKeyringAvailable probes the OS keyring by writing and removing a value.
func IsKeyringAvailable(service string) bool {
	if service == "" {
		service = DefaultKeyringService
	}
	testKey := service + "-keyring-test"

	if err := keyring.Set(service, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(service, testKey)

	return true
}
