package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-nostrchat/internal/domain"
)

func TestCreateDirectMessage_Duplicate(t *testing.T) {
	db := newMigratedDB(t)
	seedAccount(t, db, "a1", "pk1")
	ctx := context.Background()

	in := NewDirectMessage{EventID: "ev1", EventCreatedAt: 10, Message: "hi", PublicKey: "peer", Incoming: true}
	dm, err := CreateDirectMessage(ctx, db, "a1", in)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if dm.ID == "" || dm.EventID == nil || *dm.EventID != "ev1" {
		t.Fatalf("unexpected row: %+v", dm)
	}

	if _, err := CreateDirectMessage(ctx, db, "a1", in); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	// Event ids are globally unique, so another account cannot reuse one either.
	seedAccount(t, db, "a2", "pk2")
	if _, err := CreateDirectMessage(ctx, db, "a2", in); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate across accounts, got %v", err)
	}

	n, err := CountDirectMessages(ctx, db, "a1")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row, got %d err=%v", n, err)
	}
}

func TestCreateDirectMessage_IncomingCopy(t *testing.T) {
	db := newMigratedDB(t)
	seedAccount(t, db, "a1", "pk1")
	seedAccount(t, db, "a2", "pk2")
	ctx := context.Background()

	if _, err := CreateDirectMessage(ctx, db, "a1", NewDirectMessage{EventID: "ev", PublicKey: "pk2", Message: "x"}); err != nil {
		t.Fatalf("sender row: %v", err)
	}
	if _, err := CreateDirectMessage(ctx, db, "a2", NewDirectMessage{EventID: domain.IncomingCopyID("ev"), PublicKey: "pk1", Message: "x", Incoming: true}); err != nil {
		t.Fatalf("recipient row: %v", err)
	}

	got, err := GetDirectMessageByEventID(ctx, db, "ev_incoming")
	if err != nil {
		t.Fatalf("GetDirectMessageByEventID: %v", err)
	}
	if got.AccountID != "a2" || !got.Incoming {
		t.Fatalf("unexpected recipient copy: %+v", got)
	}
}

func TestCreateDirectMessage_LocalRowsWithoutEventID(t *testing.T) {
	db := newMigratedDB(t)
	seedAccount(t, db, "a1", "pk1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dm, err := CreateDirectMessage(ctx, db, "a1", NewDirectMessage{Message: "draft", PublicKey: "peer"})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if dm.EventID != nil {
			t.Fatalf("expected nil event id, got %v", *dm.EventID)
		}
	}
	n, _ := CountDirectMessages(ctx, db, "a1")
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestListDirectMessages_Order(t *testing.T) {
	db := newMigratedDB(t)
	seedAccount(t, db, "a1", "pk1")
	ctx := context.Background()

	for _, in := range []NewDirectMessage{
		{EventID: "c", EventCreatedAt: 30, PublicKey: "peer", Message: "third"},
		{EventID: "a", EventCreatedAt: 10, PublicKey: "peer", Message: "first"},
		{EventID: "b", EventCreatedAt: 20, PublicKey: "peer", Message: "second"},
		{EventID: "z", EventCreatedAt: 15, PublicKey: "other", Message: "elsewhere"},
	} {
		if _, err := CreateDirectMessage(ctx, db, "a1", in); err != nil {
			t.Fatalf("seed %s: %v", in.EventID, err)
		}
	}

	got, err := ListDirectMessages(ctx, db, "a1", "peer")
	if err != nil {
		t.Fatalf("ListDirectMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Message != want {
			t.Fatalf("message[%d]: want %q, got %q", i, want, got[i].Message)
		}
	}
}

func TestGetDirectMessageByEventID_NotFound(t *testing.T) {
	db := newMigratedDB(t)
	if _, err := GetDirectMessageByEventID(context.Background(), db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
