// Package services implements the event processing pipeline that keeps local
// accounts in sync with encrypted direct messages on a Nostr relay.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Errors listed here describe a single event or a single request. None of them
// is fatal to the pipeline; the Dispatcher turns them into per-event Results.
package services

import "errors"

// Reconciliation errors.
var (
	// ErrMissingRecipient indicates a kind-4 event without any "p" tag.
	ErrMissingRecipient = errors.New("direct message has no recipient tag")

	// ErrAccountNotFound indicates that the referenced local account does not
	// exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPeerNotFound indicates that the account has no peer row for the
	// given public key.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrBadProfile marks kind-0 content that is not a JSON object.
	ErrBadProfile = errors.New("profile content is not a JSON object")

	// ErrEmptyMessage is returned when an outgoing message has no content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNoAccountEvent is returned when an account has never published an
	// event that could be retracted.
	ErrNoAccountEvent = errors.New("account has no published event")

	// ErrBadSignature is returned for inbound events whose id or signature
	// does not verify (only checked when signature verification is enabled).
	ErrBadSignature = errors.New("event id or signature does not verify")

	// ErrStopped is returned by Pipeline.Submit after Stop.
	ErrStopped = errors.New("pipeline stopped")
)
