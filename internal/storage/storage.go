// Package storage provides the persistent key/value stores the OAuth client
// keeps its verifier, anti-forgery state and grant in.
//
// Every implementation must survive process restarts (except Memory, which
// exists for tests and single-run tools) and may be shared by several
// clients at once. None of them offers transactions across keys.
package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

type Store interface {
	// Get returns ErrNotFound when nothing is stored under key.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Delete does not fail when the key is absent.
	Delete(ctx context.Context, key string) error
}
