// Package repo implements the persistence gateway for domain entities,
// backed by GORM. This file provides repository functions for the Peer model.
//
// Concurrency contract:
//   - CreatePeerIfAbsent is idempotent; racing creators of the same
//     (account, public key) pair produce exactly one row.
//   - IncrementPeerUnread is a single UPDATE with an arithmetic expression, so
//     concurrent increments never lose updates.
//   - UpdatePeerProfile only applies when the event is not older than the
//     stored last-seen timestamp (last-write-wins by event time).
package repo

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-nostrchat/internal/domain"
)

// CreatePeerIfAbsent inserts a peer with the given initial unread count
// unless one already exists. It reports whether a row was created.
func CreatePeerIfAbsent(ctx context.Context, db *gorm.DB, accountID, publicKey string, unread int) (bool, error) {
	p := &domain.Peer{
		AccountID:      accountID,
		PublicKey:      publicKey,
		UnreadMessages: unread,
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetPeer fetches the peer row for (accountID, publicKey), or ErrNotFound.
func GetPeer(ctx context.Context, db *gorm.DB, accountID, publicKey string) (*domain.Peer, error) {
	var p domain.Peer
	err := db.WithContext(ctx).
		Where("nostracct_id = ? AND public_key = ?", accountID, publicKey).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPeers returns all peers of an account ordered by public key.
func ListPeers(ctx context.Context, db *gorm.DB, accountID string) ([]domain.Peer, error) {
	var out []domain.Peer
	err := db.WithContext(ctx).
		Where("nostracct_id = ?", accountID).
		Order("public_key ASC").
		Find(&out).Error
	return out, err
}

// IncrementPeerUnread atomically adds one to the peer's unread counter.
// It returns ErrNotFound when the peer does not exist.
func IncrementPeerUnread(ctx context.Context, db *gorm.DB, accountID, publicKey string) error {
	res := db.WithContext(ctx).
		Model(&domain.Peer{}).
		Where("nostracct_id = ? AND public_key = ?", accountID, publicKey).
		UpdateColumn("unread_messages", gorm.Expr("unread_messages + ?", 1))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPeerRead resets the unread counter of a peer.
func MarkPeerRead(ctx context.Context, db *gorm.DB, accountID, publicKey string) error {
	res := db.WithContext(ctx).
		Model(&domain.Peer{}).
		Where("nostracct_id = ? AND public_key = ?", accountID, publicKey).
		UpdateColumn("unread_messages", 0)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePeerProfile stores profile on every peer row (across all accounts)
// for publicKey whose last-seen timestamp is unset or not newer than
// createdAt. It returns the number of rows updated.
func UpdatePeerProfile(ctx context.Context, db *gorm.DB, publicKey string, createdAt int64, profile domain.PeerProfile) (int64, error) {
	meta, err := json.Marshal(profile)
	if err != nil {
		return 0, err
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE peers SET meta = ?, event_created_at = ?
		 WHERE public_key = ? AND (event_created_at IS NULL OR event_created_at <= ?)`,
		string(meta), createdAt, publicKey, createdAt,
	)
	return res.RowsAffected, res.Error
}
