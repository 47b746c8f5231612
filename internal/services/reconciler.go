// Package services – Reconciler
//
// Reconciler turns one kind-4 event into local DirectMessage rows. The event's
// author and its "p" target are resolved against tracked accounts, and the
// result is an explicit fan-out plan:
//
//	sender tracked | recipient tracked | deliveries
//	---------------+-------------------+------------------------------------------
//	yes            | no                | outgoing row for sender (event id)
//	yes            | yes               | outgoing row for sender (event id)
//	               |                   | + incoming row for recipient (event id + "_incoming")
//	no             | yes               | incoming row for recipient (event id)
//	no             | no                | none (unresolved)
//
// Each delivery decrypts with its own account key and fails on its own: a
// broken recipient side never undoes the sender's row. Every delivery goes
// through the same path (decrypt, persist, peer bookkeeping, push), and the
// unique event_id index keeps it at most one row per event per account view.
//
// Observability: Reconcile is OpenTelemetry-instrumented; live pushes run in
// tracked goroutines so tests and shutdown can Wait for them.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-nostrchat/internal/codec"
	"github.com/tbourn/go-nostrchat/internal/crypto"
	"github.com/tbourn/go-nostrchat/internal/domain"
	"github.com/tbourn/go-nostrchat/internal/repo"
)

// Direction tells whether a row records a message sent or received by its
// owning account.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Delivery is one row to be written for one account.
type Delivery struct {
	Account     *domain.Account
	Direction   Direction
	EventID     string // row key; derived for the recipient copy of a dual event
	Counterpart string // the other party's public key
}

// Plan is the ordered fan-out of an event: sender first, then recipient.
type Plan []Delivery

// Reconciliation summarizes the execution of a Plan.
type Reconciliation struct {
	Outcome Outcome
	Rows    int
	Err     error
}

// Reconciler persists direct messages for tracked accounts.
type Reconciler struct {
	DB       *gorm.DB
	Notifier Notifier        // optional
	Profiles *ProfileFetcher // optional
	Log      zerolog.Logger

	pushes sync.WaitGroup
}

// PlanFor resolves ev's parties and returns the deliveries to perform.
// A missing "p" tag yields ErrMissingRecipient; untracked parties yield an
// empty plan.
func (r *Reconciler) PlanFor(ctx context.Context, ev *nostr.Event) (Plan, error) {
	recipientKey, ok := codec.RecipientPubKey(ev)
	if !ok {
		return nil, ErrMissingRecipient
	}
	sender, err := r.lookup(ctx, ev.PubKey)
	if err != nil {
		return nil, err
	}
	recipient, err := r.lookup(ctx, recipientKey)
	if err != nil {
		return nil, err
	}

	var plan Plan
	if sender != nil {
		plan = append(plan, Delivery{
			Account:     sender,
			Direction:   Outgoing,
			EventID:     ev.ID,
			Counterpart: recipientKey,
		})
	}
	if recipient != nil {
		id := ev.ID
		if sender != nil {
			id = domain.IncomingCopyID(ev.ID)
		}
		plan = append(plan, Delivery{
			Account:     recipient,
			Direction:   Incoming,
			EventID:     id,
			Counterpart: ev.PubKey,
		})
	}
	return plan, nil
}

func (r *Reconciler) lookup(ctx context.Context, pubkey string) (*domain.Account, error) {
	acct, err := repo.GetAccountByPublicKey(ctx, r.DB, pubkey)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return acct, nil
}

// Reconcile plans and executes the deliveries for a kind-4 event.
func (r *Reconciler) Reconcile(ctx context.Context, ev *nostr.Event) Reconciliation {
	tr := otel.Tracer("services/Reconciler")
	ctx, span := tr.Start(ctx, "Reconcile",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.pubkey", ev.PubKey),
		),
	)
	defer span.End()

	plan, err := r.PlanFor(ctx, ev)
	if errors.Is(err, ErrMissingRecipient) {
		r.Log.Warn().Str("event_id", ev.ID).Msg("direct message has no p tag")
		return Reconciliation{Outcome: OutcomeDropped, Err: err}
	}
	if err != nil {
		span.RecordError(err)
		return Reconciliation{Outcome: OutcomeFailed, Err: err}
	}
	if len(plan) == 0 {
		r.Log.Debug().Str("event_id", ev.ID).Msg("neither party is tracked")
		return Reconciliation{Outcome: OutcomeUnresolved}
	}
	span.SetAttributes(attribute.Int("plan.deliveries", len(plan)))

	var (
		rows       int
		errs       []error
		infraError bool
	)
	for _, d := range plan {
		persisted, err := r.deliver(ctx, ev, d)
		if persisted {
			rows++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s delivery to %s: %w", d.Direction, d.Account.ID, err))
			if !isCryptoError(err) {
				infraError = true
			}
		}
	}

	res := Reconciliation{Rows: rows, Err: errors.Join(errs...)}
	switch {
	case rows > 0:
		res.Outcome = OutcomePersisted
	case infraError:
		res.Outcome = OutcomeFailed
	case res.Err != nil:
		res.Outcome = OutcomeDropped
	default:
		res.Outcome = OutcomeDuplicate
	}
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}

func isCryptoError(err error) bool {
	return errors.Is(err, crypto.ErrDecrypt) ||
		errors.Is(err, crypto.ErrInvalidKey) ||
		errors.Is(err, crypto.ErrKeyMismatch)
}

// deliver writes one row. It reports whether a new row was persisted; a
// duplicate returns (false, nil). Bookkeeping errors after the insert are
// returned alongside persisted=true.
func (r *Reconciler) deliver(ctx context.Context, ev *nostr.Event, d Delivery) (bool, error) {
	log := r.Log.With().
		Str("event_id", ev.ID).
		Str("account_id", d.Account.ID).
		Stringer("direction", d.Direction).
		Logger()

	priv, _, err := d.Account.Keys()
	if err != nil {
		log.Warn().Err(err).Msg("account keypair is inconsistent")
		return false, err
	}
	plaintext, err := crypto.DecryptFrom(priv, d.Counterpart, ev.Content)
	if err != nil {
		log.Warn().Err(err).Msg("cannot decrypt direct message")
		return false, err
	}
	msgType, _ := domain.ParseMessageType(plaintext)

	dm, err := repo.CreateDirectMessage(ctx, r.DB, d.Account.ID, repo.NewDirectMessage{
		EventID:        d.EventID,
		EventCreatedAt: int64(ev.CreatedAt),
		Message:        plaintext,
		PublicKey:      d.Counterpart,
		Incoming:       d.Direction == Incoming,
		Type:           msgType,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		log.Debug().Msg("direct message already stored")
		return false, nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("persist direct message")
		return false, err
	}
	dmRowsTotal.WithLabelValues(d.Direction.String()).Inc()

	if err := r.touchPeer(ctx, d); err != nil {
		log.Warn().Err(err).Msg("peer bookkeeping")
		r.push(ctx, d.Account.ID, d.Counterpart, dm)
		return true, err
	}
	r.push(ctx, d.Account.ID, d.Counterpart, dm)
	return true, nil
}

// touchPeer creates the peer on first contact. Incoming messages start a new
// peer at one unread message and increment an existing one atomically.
func (r *Reconciler) touchPeer(ctx context.Context, d Delivery) error {
	unread := 0
	if d.Direction == Incoming {
		unread = 1
	}
	created, err := repo.CreatePeerIfAbsent(ctx, r.DB, d.Account.ID, d.Counterpart, unread)
	if err != nil {
		return err
	}
	if created {
		r.Profiles.Fetch(ctx, d.Counterpart)
		return nil
	}
	if d.Direction == Incoming {
		return repo.IncrementPeerUnread(ctx, r.DB, d.Account.ID, d.Counterpart)
	}
	return nil
}

// Notification is the live-session payload sent after a row is stored.
type Notification struct {
	Type       string                `json:"type"`
	PeerPubkey string                `json:"peerPubkey"`
	DM         *domain.DirectMessage `json:"dm"`
}

// NewNotification builds the "dm:<type>" payload for dm.
func NewNotification(peer string, dm *domain.DirectMessage) Notification {
	return Notification{
		Type:       fmt.Sprintf("dm:%d", dm.Type),
		PeerPubkey: peer,
		DM:         dm,
	}
}

// push notifies the account's live sessions in the background.
func (r *Reconciler) push(ctx context.Context, accountID, peer string, dm *domain.DirectMessage) {
	pushAsync(ctx, &r.pushes, r.Notifier, r.Log, accountID, NewNotification(peer, dm))
}

// Wait blocks until all pending live pushes have finished.
func (r *Reconciler) Wait() { r.pushes.Wait() }

func pushAsync(ctx context.Context, wg *sync.WaitGroup, n Notifier, log zerolog.Logger, accountID string, note Notification) {
	if n == nil {
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("encode notification")
		return
	}
	ctx = context.WithoutCancel(ctx)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.Notify(ctx, accountID, payload); err != nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("live push failed")
		}
	}()
}
