// Package repo implements the persistence gateway for domain entities,
// backed by GORM. This file provides repository functions for the
// DirectMessage model.
//
// The network event id is the deduplication key: CreateDirectMessage is an
// insert-or-ignore, so replayed deliveries never produce a second row.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-nostrchat/internal/domain"
)

// ErrDuplicate indicates that a direct message with the same event id
// already exists. Callers treat it as an idempotent replay.
var ErrDuplicate = errors.New("duplicate")

// NewDirectMessage carries the fields of a message about to be persisted.
type NewDirectMessage struct {
	EventID        string // empty for local-only rows
	EventCreatedAt int64
	Message        string
	PublicKey      string // counterpart
	Incoming       bool
	Type           domain.DirectMessageType
}

// CreateDirectMessage inserts a message for accountID. When a row with the
// same event id exists nothing is written and ErrDuplicate is returned.
func CreateDirectMessage(ctx context.Context, db *gorm.DB, accountID string, in NewDirectMessage) (*domain.DirectMessage, error) {
	dm := &domain.DirectMessage{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		EventCreatedAt: in.EventCreatedAt,
		Message:        in.Message,
		PublicKey:      in.PublicKey,
		Incoming:       in.Incoming,
		Time:           time.Now().UTC(),
		Type:           in.Type,
	}
	if in.EventID != "" {
		eid := in.EventID
		dm.EventID = &eid
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(dm)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrDuplicate
	}
	return dm, nil
}

// GetDirectMessageByEventID fetches a message by its event id, or ErrNotFound.
func GetDirectMessageByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.DirectMessage, error) {
	var dm domain.DirectMessage
	if err := db.WithContext(ctx).Where("event_id = ?", eventID).First(&dm).Error; err != nil {
		return nil, err
	}
	return &dm, nil
}

// ListDirectMessages returns an account's conversation with one peer in
// causal order (event_created_at ASC, id ASC).
func ListDirectMessages(ctx context.Context, db *gorm.DB, accountID, peerPublicKey string) ([]domain.DirectMessage, error) {
	var out []domain.DirectMessage
	err := db.WithContext(ctx).
		Where("nostracct_id = ? AND public_key = ?", accountID, peerPublicKey).
		Order("event_created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountDirectMessages returns the number of rows stored for accountID.
func CountDirectMessages(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.DirectMessage{}).
		Where("nostracct_id = ?", accountID).
		Count(&total).Error
	return total, err
}
