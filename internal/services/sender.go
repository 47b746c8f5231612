// Package services – Sender
//
// Sender publishes direct messages authored by local accounts. The flow is
// the reverse of reconciliation: encrypt and sign, store the local outgoing
// row under the new event id, make sure the peer exists, publish, push.
//
// The stored row is keyed by the published event id, so the relay's echo of
// our own event is recognized by the Reconciler as a duplicate.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-nostrchat/internal/crypto"
	"github.com/tbourn/go-nostrchat/internal/domain"
	"github.com/tbourn/go-nostrchat/internal/repo"
)

// Sender sends direct messages on behalf of tracked accounts.
type Sender struct {
	DB        *gorm.DB
	Transport Transport
	Notifier  Notifier        // optional
	Profiles  *ProfileFetcher // optional
	Log       zerolog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	pushes sync.WaitGroup
}

// Send encrypts text for peerPubkey and publishes it from accountID. The
// message type is taken from the text itself (structured JSON or plain).
//
// A publish failure is returned together with the stored row: the local copy
// is kept and the event can be re-published by the caller.
func (s *Sender) Send(ctx context.Context, accountID, peerPubkey, text string) (*domain.DirectMessage, error) {
	msgType, _ := domain.ParseMessageType(text)
	return s.send(ctx, accountID, peerPubkey, text, msgType)
}

// Reply sends a structured message: payload is encoded as a JSON object
// whose "type" field is set to msgType.
func (s *Sender) Reply(ctx context.Context, accountID, peerPubkey string, msgType domain.DirectMessageType, payload map[string]any) (*domain.DirectMessage, error) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["type"] = int(msgType)
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return s.send(ctx, accountID, peerPubkey, string(raw), msgType)
}

func (s *Sender) send(ctx context.Context, accountID, peerPubkey, text string, msgType domain.DirectMessageType) (*domain.DirectMessage, error) {
	tr := otel.Tracer("services/Sender")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.String("peer.pubkey", peerPubkey),
			attribute.Int("dm.type", int(msgType)),
		),
	)
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	acct, err := repo.GetAccount(ctx, s.DB, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	priv, _, err := acct.Keys()
	if err != nil {
		return nil, err
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ev, err := crypto.BuildDirectMessage(priv, peerPubkey, text, nostr.Timestamp(now().Unix()))
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}
	span.SetAttributes(attribute.String("event.id", ev.ID))
	log := s.Log.With().Str("account_id", accountID).Str("event_id", ev.ID).Logger()

	dm, err := repo.CreateDirectMessage(ctx, s.DB, accountID, repo.NewDirectMessage{
		EventID:        ev.ID,
		EventCreatedAt: int64(ev.CreatedAt),
		Message:        text,
		PublicKey:      peerPubkey,
		Type:           msgType,
	})
	if err != nil {
		return nil, fmt.Errorf("store outgoing message: %w", err)
	}
	dmRowsTotal.WithLabelValues(Outgoing.String()).Inc()

	created, err := repo.CreatePeerIfAbsent(ctx, s.DB, accountID, peerPubkey, 0)
	if err != nil {
		log.Warn().Err(err).Msg("peer bookkeeping")
	} else if created {
		s.Profiles.Fetch(ctx, peerPubkey)
	}

	var pubErr error
	if err := s.Transport.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Msg("publish direct message")
		span.RecordError(err)
		pubErr = fmt.Errorf("publish: %w", err)
	}

	pushAsync(ctx, &s.pushes, s.Notifier, s.Log, accountID, NewNotification(peerPubkey, dm))
	return dm, pubErr
}

// MarkRead resets the unread counter of a conversation.
func (s *Sender) MarkRead(ctx context.Context, accountID, peerPubkey string) error {
	err := repo.MarkPeerRead(ctx, s.DB, accountID, peerPubkey)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrPeerNotFound
	}
	return err
}

// RetractAccount publishes a signed deletion (kind 5) of the account's last
// published event and records the deletion event id in the account config.
// The stored config is left unchanged when publishing fails.
func (s *Sender) RetractAccount(ctx context.Context, accountID string) (*nostr.Event, error) {
	tr := otel.Tracer("services/Sender")
	ctx, span := tr.Start(ctx, "RetractAccount",
		trace.WithAttributes(attribute.String("account.id", accountID)),
	)
	defer span.End()

	acct, err := repo.GetAccount(ctx, s.DB, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if acct.Config.EventID == "" {
		return nil, ErrNoAccountEvent
	}
	priv, pub, err := acct.Keys()
	if err != nil {
		return nil, err
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ev := &nostr.Event{
		PubKey:    pub,
		CreatedAt: nostr.Timestamp(now().Unix()),
		Kind:      nostr.KindDeletion,
		Tags:      nostr.Tags{nostr.Tag{"e", acct.Config.EventID}},
	}
	if err := crypto.Finalize(priv, ev); err != nil {
		return nil, err
	}
	if err := s.Transport.Publish(ctx, ev); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("publish: %w", err)
	}

	cfg := acct.Config
	cfg.EventID = ev.ID
	if err := repo.UpdateAccountConfig(ctx, s.DB, accountID, cfg); err != nil {
		return ev, fmt.Errorf("store account event id: %w", err)
	}
	s.Log.Info().Str("account_id", accountID).Str("event_id", ev.ID).Msg("account event retracted")
	return ev, nil
}

// Wait blocks until all pending live pushes have finished.
func (s *Sender) Wait() { s.pushes.Wait() }
