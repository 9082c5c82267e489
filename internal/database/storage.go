package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Credential is a single persisted key of the OAuth client state
// (verifier, state, tokens, expiry).
type Credential struct {
	Name      string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Credential) TableName() string {
	return "oauth_credentials"
}

type Credentials struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Credentials {
	return &Credentials{db: db}
}

// Get returns gorm.ErrRecordNotFound when no credential is stored under name.
func (c *Credentials) Get(name string) (*Credential, error) {
	var cred *Credential
	if tx := c.db.Where("name = ?", name).First(&cred); tx.Error != nil {
		return nil, tx.Error
	}
	return cred, nil
}

func (c *Credentials) Delete(name string) error {
	if tx := c.db.Where("name = ?", name).Delete(&Credential{}); tx.Error != nil {
		return tx.Error
	}
	return nil
}

func (c *Credentials) Upsert(m *Credential) (*Credential, error) {
	result := c.db.
		Clauses(
			clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			},
		).
		Create(m)

	if result.Error != nil {
		return nil, result.Error
	}
	return m, nil
}
