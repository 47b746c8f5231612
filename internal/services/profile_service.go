// Package services – ProfileService
//
// ProfileService applies kind-0 (profile metadata) events to every peer row
// that tracks the author. Updates are last-write-wins by the event's own
// created_at, so an older profile delivered late never overwrites a newer one.
package services

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-nostrchat/internal/domain"
	"github.com/tbourn/go-nostrchat/internal/repo"
)

// ProfileService updates peer profile metadata.
type ProfileService struct {
	DB *gorm.DB
}

// ParseProfile decodes kind-0 content into a PeerProfile. Missing or
// non-string fields become "". Values are NFC-normalized and trimmed.
func ParseProfile(content string) (domain.PeerProfile, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err != nil || obj == nil {
		return domain.PeerProfile{}, ErrBadProfile
	}
	str := func(k string) string {
		s, _ := obj[k].(string)
		return strings.TrimSpace(norm.NFC.String(s))
	}
	return domain.PeerProfile{Name: str("name"), About: str("about")}, nil
}

// Apply stores ev's profile on all peers keyed by ev.PubKey. It returns the
// number of peer rows updated; 0 means the author is untracked or the stored
// profile is newer.
func (s *ProfileService) Apply(ctx context.Context, ev *nostr.Event) (int64, error) {
	tr := otel.Tracer("services/ProfileService")
	ctx, span := tr.Start(ctx, "Apply",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.pubkey", ev.PubKey),
			attribute.Int64("event.created_at", int64(ev.CreatedAt)),
		),
	)
	defer span.End()

	profile, err := ParseProfile(ev.Content)
	if err != nil {
		return 0, err
	}
	n, err := repo.UpdatePeerProfile(ctx, s.DB, ev.PubKey, int64(ev.CreatedAt), profile)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("peers.updated", n))
	return n, nil
}
