// Package repo implements the persistence gateway for domain entities,
// backed by GORM. This file provides repository functions for the Account
// (nostracct) model.
//
// Accounts are provisioned outside the sync pipeline; the pipeline only
// resolves public keys to accounts and enumerates tracked keys.
//
// Error semantics:
//   - When an account is not found, functions return ErrNotFound.
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-nostrchat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer.
var ErrNotFound = gorm.ErrRecordNotFound

// AccountKey is an (account id, public key) pair of a tracked account.
type AccountKey struct {
	ID        string
	PublicKey string
}

// CreateAccount inserts acct. A missing ID is filled with a UUID and a zero
// Time with the current UTC time.
func CreateAccount(ctx context.Context, db *gorm.DB, acct *domain.Account) error {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.Time.IsZero() {
		acct.Time = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(acct).Error
}

// GetAccount fetches an account by id, or ErrNotFound.
func GetAccount(ctx context.Context, db *gorm.DB, id string) (*domain.Account, error) {
	var a domain.Account
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccountByPublicKey resolves a public key to a tracked account, or ErrNotFound.
func GetAccountByPublicKey(ctx context.Context, db *gorm.DB, publicKey string) (*domain.Account, error) {
	var a domain.Account
	if err := db.WithContext(ctx).Where("public_key = ?", publicKey).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAccountKeys returns every tracked (account id, public key) pair,
// ordered by account id.
func ListAccountKeys(ctx context.Context, db *gorm.DB) ([]AccountKey, error) {
	var out []AccountKey
	err := db.WithContext(ctx).
		Model(&domain.Account{}).
		Select("id, public_key").
		Order("id ASC").
		Scan(&out).Error
	return out, err
}

// UpdateAccountConfig replaces the stored configuration of account id.
func UpdateAccountConfig(ctx context.Context, db *gorm.DB, id string, cfg domain.AccountConfig) error {
	res := db.WithContext(ctx).
		Model(&domain.Account{ID: id}).
		Select("Config").
		Updates(&domain.Account{Config: cfg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
