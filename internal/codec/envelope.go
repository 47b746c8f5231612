package codec

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

// SubscriptionFilters builds the REQ filters that watch a set of tracked
// public keys from since onwards: direct messages addressed to them, direct
// messages they authored (echoes of local sends), and their own profiles.
func SubscriptionFilters(pubkeys []string, since int64) []nostr.Filter {
	keys := append([]string(nil), pubkeys...)
	ts := nostr.Timestamp(since)
	return []nostr.Filter{
		{Kinds: []int{nostr.KindEncryptedDirectMessage}, Tags: nostr.TagMap{"p": keys}, Since: &ts},
		{Kinds: []int{nostr.KindEncryptedDirectMessage}, Authors: keys, Since: &ts},
		{Kinds: []int{nostr.KindProfileMetadata}, Authors: keys, Since: &ts},
	}
}

// ProfileFilter requests the latest kind-0 metadata of one public key.
func ProfileFilter(pubkey string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}
}

// EncodeEvent builds ["EVENT", <event>].
func EncodeEvent(ev *nostr.Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, ev})
}

// EncodeReq builds ["REQ", <subscription id>, <filter>...].
func EncodeReq(subID string, filters []nostr.Filter) ([]byte, error) {
	msg := make([]any, 0, len(filters)+2)
	msg = append(msg, "REQ", subID)
	for i := range filters {
		msg = append(msg, filters[i])
	}
	return json.Marshal(msg)
}

// EncodeClose builds ["CLOSE", <subscription id>].
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{"CLOSE", subID})
}
