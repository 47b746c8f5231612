// Package services – SubscriptionManager
//
// SubscriptionManager owns the relay subscription set. It watches every
// tracked account's public key from a single floor timestamp: the minimum,
// across accounts, of each account's newest stored direct message. Events
// replayed because of the shared floor are absorbed by event_id uniqueness.
//
// All transitions are serialized by a mutex. No other component subscribes
// or unsubscribes on the transport.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-nostrchat/internal/repo"
)

// DefaultResubscribeGrace is the pause between unsubscribing and subscribing
// again, letting the CLOSE reach the relay before the new REQ.
const DefaultResubscribeGrace = time.Second

// SubscriptionManager drives subscribe/resubscribe on the transport.
type SubscriptionManager struct {
	DB        *gorm.DB
	Transport Transport
	Grace     time.Duration
	Log       zerolog.Logger

	mu      sync.Mutex
	current Subscription
	active  bool
}

// Start subscribes unconditionally. It is called at process startup and
// makes no assumption about whether a previous unsubscribe completed.
func (m *SubscriptionManager) Start(ctx context.Context) (Subscription, error) {
	return m.SubscribeAll(ctx)
}

// SubscribeAll opens one subscription covering every tracked public key from
// the global floor timestamp (0 when any account has no messages).
func (m *SubscriptionManager) SubscribeAll(ctx context.Context) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeLocked(ctx)
}

// ResubscribeAll unsubscribes, waits the grace period and subscribes again.
// If ctx ends during the wait, the relay is left unsubscribed and the error
// is returned; the next Start restores the subscription.
func (m *SubscriptionManager) ResubscribeAll(ctx context.Context) (Subscription, error) {
	tr := otel.Tracer("services/SubscriptionManager")
	ctx, span := tr.Start(ctx, "ResubscribeAll")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Transport.UnsubscribeAll(ctx); err != nil {
		span.RecordError(err)
		return Subscription{}, fmt.Errorf("unsubscribe: %w", err)
	}
	m.active = false
	subscribedPubkeys.Set(0)

	grace := m.Grace
	if grace <= 0 {
		grace = DefaultResubscribeGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Subscription{}, ctx.Err()
	case <-timer.C:
	}

	return m.subscribeLocked(ctx)
}

func (m *SubscriptionManager) subscribeLocked(ctx context.Context) (Subscription, error) {
	tr := otel.Tracer("services/SubscriptionManager")
	ctx, span := tr.Start(ctx, "SubscribeAll")
	defer span.End()

	keys, err := repo.ListAccountKeys(ctx, m.DB)
	if err != nil {
		span.RecordError(err)
		return Subscription{}, fmt.Errorf("list accounts: %w", err)
	}
	since, err := repo.MinLastDirectMessageCreatedAt(ctx, m.DB)
	if err != nil {
		span.RecordError(err)
		return Subscription{}, fmt.Errorf("subscription floor: %w", err)
	}

	sub := Subscription{PublicKeys: make([]string, 0, len(keys)), Since: since}
	for _, k := range keys {
		sub.PublicKeys = append(sub.PublicKeys, k.PublicKey)
	}
	span.SetAttributes(
		attribute.Int("pubkeys", len(sub.PublicKeys)),
		attribute.Int64("since", since),
	)
	if len(sub.PublicKeys) == 0 {
		m.Log.Info().Msg("no tracked accounts; nothing to subscribe")
		m.current, m.active = sub, false
		subscribedPubkeys.Set(0)
		return sub, nil
	}

	if err := m.Transport.Subscribe(ctx, sub.PublicKeys, sub.Since); err != nil {
		span.RecordError(err)
		return Subscription{}, fmt.Errorf("subscribe: %w", err)
	}
	m.current, m.active = sub, true
	subscribedPubkeys.Set(float64(len(sub.PublicKeys)))
	m.Log.Info().
		Int("pubkeys", len(sub.PublicKeys)).
		Int64("since", sub.Since).
		Msg("subscribed to tracked accounts")
	return sub, nil
}

// Current returns the subscription in effect and whether one is active.
func (m *SubscriptionManager) Current() (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := m.current
	sub.PublicKeys = append([]string(nil), m.current.PublicKeys...)
	return sub, m.active
}
