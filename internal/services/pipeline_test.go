package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestPipeline_ProcessesAllSubmitted(t *testing.T) {
	r := newRig(t)
	alice := newKeypair(t)
	bob := newKeypair(t)
	acct := trackAccount(t, r.db, alice)

	p := NewPipeline(r.dispatcher, 4, 8, zerolog.Nop())
	var (
		mu      sync.Mutex
		results []Result
	)
	p.OnResult = func(res Result) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}
	ctx := context.Background()
	p.Start(ctx)

	const n = 20
	for i := 0; i < n; i++ {
		if err := p.Submit(ctx, rawEvent(t, dmEvent(t, bob, alice.pk, "m", int64(i+1)))); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := p.Submit(ctx, []byte("junk")); err != nil {
		t.Fatalf("Submit junk: %v", err)
	}
	p.Stop()
	r.reconciler.Wait()

	if len(results) != n+1 {
		t.Fatalf("expected %d results, got %d", n+1, len(results))
	}
	persisted := 0
	for _, res := range results {
		if res.Outcome == OutcomePersisted {
			persisted++
		}
	}
	if persisted != n {
		t.Fatalf("expected %d persisted, got %d", n, persisted)
	}
	if peer := r.peer(t, acct.ID, bob.pk); peer.UnreadMessages != n {
		t.Fatalf("expected %d unread, got %d", n, peer.UnreadMessages)
	}
}

func TestPipeline_SubmitAfterStop(t *testing.T) {
	p := NewPipeline(&Dispatcher{Log: zerolog.Nop()}, 0, 0, zerolog.Nop())
	p.Start(context.Background())
	p.Stop()
	p.Stop() // idempotent

	if err := p.Submit(context.Background(), []byte(`["EOSE","x"]`)); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPipeline_SubmitHonorsContext(t *testing.T) {
	// Not started: the single-slot queue fills and the next Submit blocks.
	p := NewPipeline(&Dispatcher{Log: zerolog.Nop()}, 1, 1, zerolog.Nop())
	if err := p.Submit(context.Background(), []byte("a")); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Submit(ctx, []byte("b")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
