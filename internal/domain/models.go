// Package domain defines the persistence models for Nostr accounts, their
// peers, and the direct messages exchanged with them. These types are mapped
// with GORM and shared across the repository and service layers.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tbourn/go-nostrchat/internal/crypto"
)

// AccountConfig is the mutable configuration blob stored with an Account.
type AccountConfig struct {
	Name          string `json:"name,omitempty"`
	About         string `json:"about,omitempty"`
	Active        bool   `json:"active"`
	EventID       string `json:"event_id,omitempty"`
	SyncFromNostr bool   `json:"sync_from_nostr"`
}

// Account is a locally tracked Nostr identity (a "NostrAcct"). It owns its
// key material; the public key must always derive from the private key.
//
// Fields:
//   - ID: primary key.
//   - UserID: owning user of the account.
//   - PrivateKey / PublicKey: hex-encoded secp256k1 keys (x-only public key).
//   - Config: JSON configuration stored in the "meta" column.
//   - Time: creation time.
type Account struct {
	ID         string        `json:"id"          gorm:"type:text;primaryKey"`
	UserID     string        `json:"user_id"     gorm:"type:text;not null;index"`
	PrivateKey string        `json:"-"           gorm:"type:text;not null"`
	PublicKey  string        `json:"public_key"  gorm:"type:text;not null;uniqueIndex:ux_nostraccts_pubkey"`
	Config     AccountConfig `json:"config"      gorm:"column:meta;type:text;not null;serializer:json"`
	Time       time.Time     `json:"time"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string { return "nostraccts" }

// Keys returns the account's keypair after checking that the stored public
// key derives from the stored private key.
func (a *Account) Keys() (privateKey, publicKey string, err error) {
	if err := crypto.CheckKeypair(a.PrivateKey, a.PublicKey); err != nil {
		return "", "", err
	}
	return a.PrivateKey, a.PublicKey, nil
}

// PeerProfile is the subset of kind-0 metadata kept for a peer.
type PeerProfile struct {
	Name  string `json:"name"`
	About string `json:"about"`
}

// Peer is a per-account record of a counterpart public key. It is a
// relationship, not an account: the same public key may appear under several
// accounts, but at most once per account.
type Peer struct {
	AccountID      string      `json:"nostracct_id"     gorm:"column:nostracct_id;type:text;not null;uniqueIndex:ux_peers_account_pubkey,priority:1"`
	PublicKey      string      `json:"public_key"       gorm:"type:text;not null;uniqueIndex:ux_peers_account_pubkey,priority:2;index"`
	EventCreatedAt *int64      `json:"event_created_at"`
	UnreadMessages int         `json:"unread_messages"  gorm:"not null;default:0"`
	Profile        PeerProfile `json:"profile"          gorm:"column:meta;type:text;not null;serializer:json"`
}

// TableName returns the database table name for Peer.
func (Peer) TableName() string { return "peers" }

// DirectMessageType tags the content of a direct message.
type DirectMessageType int

const (
	PlainText          DirectMessageType = -1
	CustomerOrder      DirectMessageType = 0
	PaymentRequest     DirectMessageType = 1
	OrderPaidOrShipped DirectMessageType = 2
)

// ParseMessageType inspects a decrypted message. A JSON object carrying a
// known numeric "type" field yields that type; anything else is plain text.
func ParseMessageType(text string) (DirectMessageType, map[string]any) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "{") {
		return PlainText, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(t), &obj); err != nil {
		return PlainText, nil
	}
	raw, ok := obj["type"].(float64)
	if !ok {
		return PlainText, obj
	}
	switch v := DirectMessageType(raw); v {
	case CustomerOrder, PaymentRequest, OrderPaidOrShipped:
		return v, obj
	}
	return PlainText, obj
}

// DirectMessage is one account's view of a single NIP-04 message.
//
// EventID is the originating network event id and the deduplication key: it is
// unique whenever present. When two tracked accounts talk to each other the
// recipient's row carries a derived id (see IncomingCopyID).
type DirectMessage struct {
	ID             string            `json:"id"               gorm:"type:char(36);primaryKey"`
	AccountID      string            `json:"nostracct_id"     gorm:"column:nostracct_id;type:text;not null;index:idx_dm_account_peer,priority:1"`
	EventID        *string           `json:"event_id"         gorm:"type:text;uniqueIndex:ux_direct_messages_event_id"`
	EventCreatedAt int64             `json:"event_created_at" gorm:"not null;index"`
	Message        string            `json:"message"          gorm:"type:text;not null"`
	PublicKey      string            `json:"public_key"       gorm:"type:text;not null;index:idx_dm_account_peer,priority:2"`
	Incoming       bool              `json:"incoming"         gorm:"not null;default:false"`
	Time           time.Time         `json:"time"             gorm:"not null"`
	Type           DirectMessageType `json:"type"             gorm:"not null"`
}

// TableName returns the database table name for DirectMessage.
func (DirectMessage) TableName() string { return "direct_messages" }

// IncomingCopyID derives the event id stored on the recipient's copy of a
// message exchanged between two tracked accounts.
func IncomingCopyID(eventID string) string { return eventID + "_incoming" }
