// Package live fans out direct-message notifications to the in-process live
// sessions of an account (browser sockets, SSE streams, tests).
//
// Delivery is best-effort: a subscriber whose buffer is full misses the
// message rather than stalling the pipeline.
package live

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

type subscriber struct {
	ch chan []byte
}

// Hub maintains the set of live subscribers keyed by account id.
type Hub struct {
	Log    zerolog.Logger
	Buffer int

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		Log:    log.With().Str("component", "live").Logger(),
		Buffer: DefaultBuffer,
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe registers a live session for accountID. The returned cancel
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(accountID string) (<-chan []byte, func()) {
	size := h.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}
	s := &subscriber{ch: make(chan []byte, size)}

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[string]map[*subscriber]struct{})
	}
	if _, ok := h.subs[accountID]; !ok {
		h.subs[accountID] = make(map[*subscriber]struct{})
	}
	h.subs[accountID][s] = struct{}{}
	n := len(h.subs[accountID])
	h.mu.Unlock()
	h.Log.Debug().Str("account_id", accountID).Int("sessions", n).Msg("live session registered")

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[accountID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.subs, accountID)
				}
			}
			close(s.ch)
			h.mu.Unlock()
		})
	}
}

// Notify queues payload for every live session of accountID. Full buffers
// drop the message for that session only. It never blocks and always
// returns nil unless ctx is already done.
func (h *Hub) Notify(ctx context.Context, accountID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.subs[accountID]
	if len(set) == 0 {
		h.Log.Debug().Str("account_id", accountID).Msg("no live session; notification skipped")
		return nil
	}
	for s := range set {
		select {
		case s.ch <- payload:
		default:
			h.Log.Warn().Str("account_id", accountID).Msg("live session buffer full; notification dropped")
		}
	}
	return nil
}

// Sessions returns the number of live sessions of accountID.
func (h *Hub) Sessions(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}
