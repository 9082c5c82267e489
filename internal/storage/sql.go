package storage

import (
	"context"
	"errors"

	"github.com/mickaelvieira/octoauth-go-client/internal/database"
	"gorm.io/gorm"
)

// SQL keeps credentials in the sqlite database through gorm.
type SQL struct {
	credentials *database.Credentials
}

func NewSQL(db *gorm.DB) *SQL {
	return &SQL{credentials: database.New(db)}
}

func (s *SQL) Get(_ context.Context, key string) (string, error) {
	c, err := s.credentials.Get(key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

func (s *SQL) Set(_ context.Context, key, value string) error {
	_, err := s.credentials.Upsert(&database.Credential{Name: key, Value: value})
	return err
}

func (s *SQL) Delete(_ context.Context, key string) error {
	return s.credentials.Delete(key)
}
