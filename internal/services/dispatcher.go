// Package services – Dispatcher
//
// Dispatcher is the entry point of the inbound pipeline. It decodes raw relay
// messages, validates events, classifies them by kind and routes each one to
// exactly one handler through a single exhaustive switch. Every event is
// isolated: a panic or error inside one handler becomes that event's Result
// and never reaches the next event.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-nostrchat/internal/codec"
)

// EventClass is the handler an event is routed to.
type EventClass int

const (
	ClassUnknown EventClass = iota
	ClassProfileUpdate
	ClassDirectMessage
)

func (c EventClass) String() string {
	switch c {
	case ClassProfileUpdate:
		return "profile"
	case ClassDirectMessage:
		return "dm"
	default:
		return "unknown"
	}
}

// Outcome is the terminal state of one handled message.
type Outcome int

const (
	// OutcomeIgnored: control message, unknown kind or nothing to update.
	OutcomeIgnored Outcome = iota
	// OutcomePersisted: at least one row was written.
	OutcomePersisted
	// OutcomeDuplicate: every row already existed (idempotent replay).
	OutcomeDuplicate
	// OutcomeDropped: structural or cryptographic rejection.
	OutcomeDropped
	// OutcomeUnresolved: no tracked account is party to the event.
	OutcomeUnresolved
	// OutcomeFailed: storage error or recovered panic.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomePersisted:
		return "persisted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDropped:
		return "dropped"
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result records what happened to one message.
type Result struct {
	EventID string
	Class   EventClass
	Outcome Outcome
	Rows    int
	Err     error
}

// Dispatcher routes inbound events to the profile and direct-message handlers.
type Dispatcher struct {
	Reconciler       *Reconciler
	Profiles         *ProfileService
	VerifySignatures bool
	Log              zerolog.Logger
}

// Classify maps an event kind to its handler class.
func Classify(ev *nostr.Event) EventClass {
	switch ev.Kind {
	case nostr.KindProfileMetadata:
		return ClassProfileUpdate
	case nostr.KindEncryptedDirectMessage:
		return ClassDirectMessage
	default:
		return ClassUnknown
	}
}

// HandleRaw decodes one relay message and handles the event it carries.
// Non-EVENT labels are ignored; undecodable input is dropped.
func (d *Dispatcher) HandleRaw(ctx context.Context, raw []byte) Result {
	msg, err := codec.Decode(raw)
	if err != nil {
		d.Log.Debug().Err(err).Msg("undecodable relay message")
		eventsTotal.WithLabelValues(ClassUnknown.String(), OutcomeDropped.String()).Inc()
		return Result{Outcome: OutcomeDropped, Err: err}
	}
	if !msg.IsEvent() {
		return Result{Outcome: OutcomeIgnored}
	}
	return d.Handle(ctx, msg.Event)
}

// HandleBatch handles raws in order and returns one Result per message.
func (d *Dispatcher) HandleBatch(ctx context.Context, raws [][]byte) []Result {
	out := make([]Result, 0, len(raws))
	for _, raw := range raws {
		out = append(out, d.HandleRaw(ctx, raw))
	}
	return out
}

// Handle validates and routes a decoded event.
func (d *Dispatcher) Handle(ctx context.Context, ev *nostr.Event) (res Result) {
	start := time.Now()
	class := Classify(ev)
	res = Result{EventID: ev.ID, Class: class}

	tr := otel.Tracer("services/Dispatcher")
	ctx, span := tr.Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.Int("event.kind", ev.Kind),
			attribute.String("event.class", class.String()),
		),
	)

	defer func() {
		if p := recover(); p != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("panic handling event: %v", p)
			d.Log.Error().Str("event_id", ev.ID).Interface("panic", p).Msg("recovered from handler panic")
		}
		span.SetAttributes(attribute.String("event.outcome", res.Outcome.String()))
		span.End()
		eventsTotal.WithLabelValues(class.String(), res.Outcome.String()).Inc()
		eventDuration.WithLabelValues(class.String()).Observe(time.Since(start).Seconds())
	}()

	if err := codec.Validate(ev); err != nil {
		d.Log.Debug().Err(err).Str("event_id", ev.ID).Msg("invalid event")
		res.Outcome, res.Err = OutcomeDropped, err
		return res
	}
	if d.VerifySignatures && (!codec.VerifyID(ev) || !codec.VerifySignature(ev)) {
		d.Log.Warn().Str("event_id", ev.ID).Msg("event failed verification")
		res.Outcome, res.Err = OutcomeDropped, ErrBadSignature
		return res
	}

	switch class {
	case ClassProfileUpdate:
		n, err := d.Profiles.Apply(ctx, ev)
		switch {
		case errors.Is(err, ErrBadProfile):
			d.Log.Debug().Str("event_id", ev.ID).Msg("malformed profile content")
			res.Outcome, res.Err = OutcomeDropped, err
		case err != nil:
			d.Log.Warn().Err(err).Str("event_id", ev.ID).Msg("profile update failed")
			res.Outcome, res.Err = OutcomeFailed, err
		case n == 0:
			res.Outcome = OutcomeIgnored
		default:
			res.Outcome, res.Rows = OutcomePersisted, int(n)
		}
	case ClassDirectMessage:
		rec := d.Reconciler.Reconcile(ctx, ev)
		res.Outcome, res.Rows, res.Err = rec.Outcome, rec.Rows, rec.Err
	case ClassUnknown:
		res.Outcome = OutcomeIgnored
	}
	return res
}
