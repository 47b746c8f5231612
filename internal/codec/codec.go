// Package codec decodes relay-to-client messages into typed Nostr events and
// encodes the client-to-relay envelopes used by the transport.
//
// Inbound messages are JSON arrays whose first element is a label. Only
// EVENT carries data for the sync pipeline; other labels (EOSE, NOTICE, OK,
// CLOSED, ...) are returned without an event and are never an error.
package codec

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
)

// Relay message labels.
const (
	LabelEvent  = "EVENT"
	LabelEOSE   = "EOSE"
	LabelNotice = "NOTICE"
	LabelOK     = "OK"
	LabelClosed = "CLOSED"
)

var (
	// ErrMalformed marks payloads that cannot be decoded at all.
	ErrMalformed = errors.New("malformed relay message")
	// ErrInvalidEvent marks decoded events that fail structural validation.
	ErrInvalidEvent = errors.New("invalid event")
)

// Message is one decoded relay message.
type Message struct {
	Label          string // upper-cased label
	SubscriptionID string // EVENT, EOSE, CLOSED
	Event          *nostr.Event
	Text           string // NOTICE text or CLOSED/OK reason
}

// IsEvent reports whether the message carries an event for the pipeline.
func (m Message) IsEvent() bool { return m.Label == LabelEvent && m.Event != nil }

// Decode parses one raw relay message. Labels are matched case-insensitively.
func Decode(raw []byte) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) == 0 {
		return Message{}, fmt.Errorf("%w: empty array", ErrMalformed)
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return Message{}, fmt.Errorf("%w: label is not a string", ErrMalformed)
	}
	msg := Message{Label: strings.ToUpper(strings.TrimSpace(label))}

	switch msg.Label {
	case LabelEvent:
		if len(parts) < 3 {
			return Message{}, fmt.Errorf("%w: EVENT needs subscription id and event", ErrMalformed)
		}
		_ = json.Unmarshal(parts[1], &msg.SubscriptionID)
		var ev nostr.Event
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			return Message{}, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
		if err := Validate(&ev); err != nil {
			return Message{}, err
		}
		msg.Event = &ev
	case LabelEOSE:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg.SubscriptionID)
		}
	case LabelClosed:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg.SubscriptionID)
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &msg.Text)
		}
	case LabelNotice:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &msg.Text)
		}
	case LabelOK:
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &msg.Text)
		}
	}
	return msg, nil
}

// Validate checks the structural fields downstream code relies on.
func Validate(ev *nostr.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEvent)
	}
	if !IsHex32(ev.ID) {
		return fmt.Errorf("%w: id %q is not a 32-byte hex digest", ErrInvalidEvent, ev.ID)
	}
	if !IsHex32(ev.PubKey) {
		return fmt.Errorf("%w: pubkey %q is not a 32-byte hex key", ErrInvalidEvent, ev.PubKey)
	}
	if ev.Kind < 0 {
		return fmt.Errorf("%w: negative kind %d", ErrInvalidEvent, ev.Kind)
	}
	return nil
}

// ComputeID returns the canonical NIP-01 id (sha256 of the serialized event).
func ComputeID(ev *nostr.Event) string { return ev.GetID() }

// VerifyID reports whether ev.ID matches the event's content hash.
func VerifyID(ev *nostr.Event) bool { return ev.ID == ComputeID(ev) }

// VerifySignature checks the id and the BIP-340 signature of ev.
func VerifySignature(ev *nostr.Event) bool {
	if !VerifyID(ev) || len(ev.Sig) != 128 {
		return false
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return false
	}
	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	return sig.Verify(idBytes, pub)
}

// TagValues returns the first value of every tag labeled name, in order.
func TagValues(ev *nostr.Event, name string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] != "" {
			out = append(out, tag[1])
		}
	}
	return out
}

// RecipientPubKey returns the designated recipient: the first "p" tag value.
func RecipientPubKey(ev *nostr.Event) (string, bool) {
	ps := TagValues(ev, "p")
	if len(ps) == 0 {
		return "", false
	}
	return ps[0], true
}

// IsHex32 reports whether s is a lowercase hex encoding of 32 bytes.
func IsHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
