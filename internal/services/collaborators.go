package services

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Transport is the relay connection as seen by the pipeline. The relay
// subscription set is mutated only by SubscriptionManager; other components
// may publish and request one-shot profile fetches.
type Transport interface {
	Publish(ctx context.Context, ev *nostr.Event) error
	Subscribe(ctx context.Context, publicKeys []string, since int64) error
	UnsubscribeAll(ctx context.Context) error
	TemporarySubscribe(ctx context.Context, publicKey string) error
}

// Notifier pushes a materialized payload to an account's live sessions.
// Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, accountID string, payload []byte) error
}

// Subscription describes the relay subscription currently in effect.
type Subscription struct {
	PublicKeys []string
	Since      int64
}
