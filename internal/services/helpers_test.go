package services

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-nostrchat/internal/crypto"
	"github.com/tbourn/go-nostrchat/internal/domain"
	"github.com/tbourn/go-nostrchat/internal/repo"
)

// newTestDB opens a migrated file-backed SQLite database. A file (rather
// than shared-cache memory) keeps concurrent writers on busy_timeout.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

type keypair struct {
	sk, pk string
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	sk, pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return keypair{sk: sk, pk: pk}
}

// trackAccount stores kp as a local account.
func trackAccount(t *testing.T, db *gorm.DB, kp keypair) *domain.Account {
	t.Helper()
	acct := &domain.Account{UserID: "user", PrivateKey: kp.sk, PublicKey: kp.pk}
	if err := repo.CreateAccount(context.Background(), db, acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return acct
}

func dmEvent(t *testing.T, from keypair, to string, text string, createdAt int64) *nostr.Event {
	t.Helper()
	ev, err := crypto.BuildDirectMessage(from.sk, to, text, nostr.Timestamp(createdAt))
	if err != nil {
		t.Fatalf("BuildDirectMessage: %v", err)
	}
	return ev
}

func profileEvent(t *testing.T, from keypair, content string, createdAt int64) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		PubKey:    from.pk,
		CreatedAt: nostr.Timestamp(createdAt),
		Kind:      nostr.KindProfileMetadata,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	if err := crypto.Finalize(from.sk, ev); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return ev
}

func rawEvent(t *testing.T, ev *nostr.Event) []byte {
	t.Helper()
	raw, err := json.Marshal([]any{"EVENT", "sub", ev})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// fakeTransport records calls and can be told to fail.
type fakeTransport struct {
	mu           sync.Mutex
	published    []*nostr.Event
	subscribes   []Subscription
	unsubscribes int
	temporary    []string
	calls        []string

	publishErr   error
	subscribeErr error
	tempErr      error
}

func (f *fakeTransport) Publish(_ context.Context, ev *nostr.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "publish")
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, keys []string, since int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "subscribe")
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribes = append(f.subscribes, Subscription{PublicKeys: append([]string(nil), keys...), Since: since})
	return nil
}

func (f *fakeTransport) UnsubscribeAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unsubscribe")
	f.unsubscribes++
	return nil
}

func (f *fakeTransport) TemporarySubscribe(_ context.Context, pk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "temporary")
	if f.tempErr != nil {
		return f.tempErr
	}
	f.temporary = append(f.temporary, pk)
	return nil
}

func (f *fakeTransport) temporaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.temporary)
}

type pushed struct {
	accountID string
	note      Notification
}

// fakeNotifier records pushes.
type fakeNotifier struct {
	mu    sync.Mutex
	items []pushed
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, accountID string, payload []byte) error {
	var note Notification
	if err := json.Unmarshal(payload, &note); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, pushed{accountID: accountID, note: note})
	return n.err
}

func (n *fakeNotifier) snapshot() []pushed {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]pushed(nil), n.items...)
}

// rig wires a Dispatcher against fakes.
type rig struct {
	db         *gorm.DB
	transport  *fakeTransport
	notifier   *fakeNotifier
	reconciler *Reconciler
	dispatcher *Dispatcher
}

func newRig(t *testing.T) *rig {
	t.Helper()
	db := newTestDB(t)
	tp := &fakeTransport{}
	nt := &fakeNotifier{}
	log := zerolog.Nop()
	rec := &Reconciler{
		DB:       db,
		Notifier: nt,
		Profiles: NewProfileFetcher(tp, 1000, 1000, time.Minute, log),
		Log:      log,
	}
	return &rig{
		db:         db,
		transport:  tp,
		notifier:   nt,
		reconciler: rec,
		dispatcher: &Dispatcher{
			Reconciler: rec,
			Profiles:   &ProfileService{DB: db},
			Log:        log,
		},
	}
}

func (r *rig) rows(t *testing.T, accountID string) []domain.DirectMessage {
	t.Helper()
	var out []domain.DirectMessage
	if err := r.db.Where("nostracct_id = ?", accountID).Order("event_created_at ASC, id ASC").Find(&out).Error; err != nil {
		t.Fatalf("list rows: %v", err)
	}
	return out
}

func (r *rig) totalRows(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := r.db.Model(&domain.DirectMessage{}).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func (r *rig) peer(t *testing.T, accountID, pk string) *domain.Peer {
	t.Helper()
	p, err := repo.GetPeer(context.Background(), r.db, accountID, pk)
	if err != nil {
		t.Fatalf("GetPeer(%s, %s): %v", accountID, pk, err)
	}
	return p
}
