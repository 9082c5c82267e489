package storage

import (
	"context"
	"fmt"

	"github.com/mickaelvieira/octoauth-go-client/internal/database"
)

type Type string

const (
	TypeMemory  Type = "memory"
	TypeSQLite  Type = "sqlite"
	TypeFile    Type = "file"
	TypeRedis   Type = "redis"
	TypeKeyring Type = "keyring"
)

type Config struct {
	Type Type
	// Path is the sqlite database or the JSON file, depending on Type.
	Path           string
	RedisURL       string
	RedisPrefix    string
	KeyringService string
}

// Open builds the store described by cfg. The returned function releases
// whatever connection the store holds.
func Open(ctx context.Context, cfg Config) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Type {
	case TypeMemory:
		return NewMemory(), noop, nil

	case TypeSQLite, "":
		db, err := database.Init(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return NewSQL(db), sqlDB.Close, nil

	case TypeFile:
		f, err := NewFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return f, noop, nil

	case TypeRedis:
		r, err := NewRedisFromURL(ctx, cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil

	case TypeKeyring:
		if !IsKeyringAvailable(cfg.KeyringService) {
			return nil, nil, fmt.Errorf("OS keyring is not available, use another store type")
		}
		return NewKeyring(cfg.KeyringService), noop, nil
	}

	return nil, nil, fmt.Errorf("unknown store type %q", cfg.Type)
}
