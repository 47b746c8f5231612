// Package repo implements the persistence gateway for domain entities,
// backed by GORM. This file provides the aggregate timestamp queries used to
// choose the "since" floor of relay subscriptions.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-nostrchat/internal/domain"
)

// LastDirectMessageCreatedAt returns the newest event_created_at stored for
// accountID, or 0 when the account has no messages.
func LastDirectMessageCreatedAt(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var row struct {
		EventCreatedAt int64
	}
	err := db.WithContext(ctx).
		Model(&domain.DirectMessage{}).
		Select("event_created_at").
		Where("nostracct_id = ?", accountID).
		Order("event_created_at DESC").
		Limit(1).
		Scan(&row).Error
	return row.EventCreatedAt, err
}

// MinLastDirectMessageCreatedAt returns the minimum, over all tracked
// accounts, of each account's newest direct-message timestamp. An account
// without messages contributes 0, and so does an empty account table.
//
// The result is the floor from which a single subscription covers every
// account without missing history.
func MinLastDirectMessageCreatedAt(ctx context.Context, db *gorm.DB) (int64, error) {
	var floor int64
	err := db.WithContext(ctx).Raw(`
		SELECT COALESCE(MIN(last_at), 0) FROM (
			SELECT COALESCE(MAX(dm.event_created_at), 0) AS last_at
			FROM nostraccts a
			LEFT JOIN direct_messages dm ON dm.nostracct_id = a.id
			GROUP BY a.id
		) t`).Scan(&floor).Error
	return floor, err
}
