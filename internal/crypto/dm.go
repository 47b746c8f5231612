package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tbourn/go-nostrchat/internal/codec"
)

// BuildDirectMessage assembles a signed kind-4 event from the owner of
// privateKey to recipient: a single "p" tag, NIP-04 ciphertext as content,
// the canonical id, then a signature over that id.
func BuildDirectMessage(privateKey, recipient, plaintext string, createdAt nostr.Timestamp) (*nostr.Event, error) {
	pub, err := PublicKey(privateKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := EncryptFor(privateKey, recipient, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	ev := &nostr.Event{
		PubKey:    pub,
		CreatedAt: createdAt,
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{nostr.Tag{"p", recipient}},
		Content:   ciphertext,
	}
	if err := Finalize(privateKey, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Finalize computes ev.ID and signs it in place.
func Finalize(privateKey string, ev *nostr.Event) error {
	ev.ID = codec.ComputeID(ev)
	hash, err := hex.DecodeString(ev.ID)
	if err != nil {
		return err
	}
	sig, err := SignHash(privateKey, hash)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	ev.Sig = sig
	return nil
}
