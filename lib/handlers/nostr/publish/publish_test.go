package publish

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthnote-storage/healthnote-relay/lib/config"
	"github.com/healthnote-storage/healthnote-relay/lib/satellite"
	stores_badgerhold "github.com/healthnote-storage/healthnote-relay/lib/stores/badgerhold"
	"github.com/healthnote-storage/healthnote-relay/lib/types"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "publish-test")
	if err != nil {
		panic(err)
	}
	if err := os.Chdir(dir); err != nil {
		panic(err)
	}
	if err := config.InitConfig(); err != nil {
		panic(err)
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

type frame struct {
	messageType string
	params      []interface{}
}

// recorder captures handler output frames in order.
type recorder struct {
	mu     sync.Mutex
	frames []frame
}

func (r *recorder) write(messageType string, params ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{messageType: messageType, params: params})
}

func (r *recorder) all() []frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame(nil), r.frames...)
}

// broadcastSpy counts fan-out calls and remembers the last event.
type broadcastSpy struct {
	mu    sync.Mutex
	count int
	last  *nostr.Event
}

func (b *broadcastSpy) fn(ev *nostr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	b.last = ev
}

func (b *broadcastSpy) snapshot() (int, *nostr.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count, b.last
}

func newTestStore(t *testing.T) *stores_badgerhold.BadgerholdStore {
	t.Helper()

	store, err := stores_badgerhold.InitStore(t.TempDir(), 100, 500)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Cleanup())
	})
	return store
}

func signedEvent(t *testing.T, priv string, kind int, createdAt nostr.Timestamp, tags nostr.Tags) *nostr.Event {
	t.Helper()

	if tags == nil {
		tags = nostr.Tags{}
	}
	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   "test event",
	}
	require.NoError(t, ev.Sign(priv))
	return ev
}

func eventReader(t *testing.T, ev *nostr.Event) func() ([]byte, error) {
	t.Helper()

	data, err := json.Marshal(nostr.EventEnvelope{Event: *ev})
	require.NoError(t, err)
	return func() ([]byte, error) { return data, nil }
}

func requireOK(t *testing.T, f frame, wantID string, wantAccepted bool) string {
	t.Helper()

	require.Equal(t, "OK", f.messageType)
	require.Len(t, f.params, 3)
	assert.Equal(t, wantID, f.params[0])
	assert.Equal(t, wantAccepted, f.params[1])
	msg, ok := f.params[2].(string)
	require.True(t, ok)
	return msg
}

func TestPublishStoresAndBroadcasts(t *testing.T) {
	store := newTestStore(t)
	registry := satellite.NewRegistry(store, 24*time.Hour)
	forwarder := satellite.NewForwarder(time.Second)
	spy := &broadcastSpy{}
	handler := BuildPublishHandler(store, registry, forwarder, nostr.GeneratePrivateKey(), spy.fn)

	ev := signedEvent(t, nostr.GeneratePrivateKey(), 1301, nostr.Now(), nil)
	rec := &recorder{}
	handler(context.Background(), eventReader(t, ev), rec.write)

	frames := rec.all()
	require.Len(t, frames, 1)
	msg := requireOK(t, frames[0], ev.ID, true)
	assert.Empty(t, msg)

	have, err := store.HasEvent(ev.ID)
	require.NoError(t, err)
	assert.True(t, have)

	count, last := spy.snapshot()
	assert.Equal(t, 1, count)
	assert.Equal(t, ev.ID, last.ID)
}

func TestPublishDuplicateAcknowledgedOnce(t *testing.T) {
	store := newTestStore(t)
	registry := satellite.NewRegistry(store, 24*time.Hour)
	forwarder := satellite.NewForwarder(time.Second)
	spy := &broadcastSpy{}
	handler := BuildPublishHandler(store, registry, forwarder, nostr.GeneratePrivateKey(), spy.fn)

	ev := signedEvent(t, nostr.GeneratePrivateKey(), 1301, nostr.Now(), nil)

	rec := &recorder{}
	handler(context.Background(), eventReader(t, ev), rec.write)
	handler(context.Background(), eventReader(t, ev), rec.write)

	frames := rec.all()
	require.Len(t, frames, 2)
	requireOK(t, frames[0], ev.ID, true)
	msg := requireOK(t, frames[1], ev.ID, true)
	assert.True(t, strings.HasPrefix(msg, "duplicate:"), "message was %q", msg)

	count, _ := spy.snapshot()
	assert.Equal(t, 1, count, "duplicate must not fan out again")
}

func TestPublishRejectsUnsupportedKind(t *testing.T) {
	store := newTestStore(t)
	registry := satellite.NewRegistry(store, 24*time.Hour)
	forwarder := satellite.NewForwarder(time.Second)
	spy := &broadcastSpy{}
	handler := BuildPublishHandler(store, registry, forwarder, nostr.GeneratePrivateKey(), spy.fn)

	ev := signedEvent(t, nostr.GeneratePrivateKey(), 1, nostr.Now(), nil)
	rec := &recorder{}
	handler(context.Background(), eventReader(t, ev), rec.write)

	frames := rec.all()
	require.Len(t, frames, 1)
	msg := requireOK(t, frames[0], ev.ID, false)
	assert.True(t, strings.HasPrefix(msg, "unsupported:"), "message was %q", msg)

	have, err := store.HasEvent(ev.ID)
	require.NoError(t, err)
	assert.False(t, have)

	count, _ := spy.snapshot()
	assert.Zero(t, count)
}

func TestPublishPrivateWithoutSatelliteStoresLocally(t *testing.T) {
	store := newTestStore(t)
	registry := satellite.NewRegistry(store, 24*time.Hour)
	forwarder := satellite.NewForwarder(time.Second)
	spy := &broadcastSpy{}
	handler := BuildPublishHandler(store, registry, forwarder, nostr.GeneratePrivateKey(), spy.fn)

	ev := signedEvent(t, nostr.GeneratePrivateKey(), 32018, nostr.Now(), nil)
	rec := &recorder{}
	handler(context.Background(), eventReader(t, ev), rec.write)

	frames := rec.all()
	require.Len(t, frames, 1)
	msg := requireOK(t, frames[0], ev.ID, true)
	assert.Contains(t, msg, "stored locally")

	have, err := store.HasEvent(ev.ID)
	require.NoError(t, err)
	assert.True(t, have)

	// Private events never reach live subscriptions
	count, _ := spy.snapshot()
	assert.Zero(t, count)
}

func TestPublishPrivateRoutesToSatellite(t *testing.T) {
	received := make(chan *nostr.Event, 1)
	satelliteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var ev nostr.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- &ev
		w.WriteHeader(http.StatusOK)
	}))
	defer satelliteSrv.Close()

	store := newTestStore(t)
	registry := satellite.NewRegistry(store, 24*time.Hour)
	require.NoError(t, registry.Register(&types.SatelliteNode{
		Pubkey:         strings.Repeat("cc", 32),
		URL:            satelliteSrv.URL,
		SupportedKinds: []int{32018},
	}))

	forwarder := satellite.NewForwarder(5 * time.Second)
	forwarder.Start()
	defer forwarder.Stop()

	spy := &broadcastSpy{}
	relayPriv := nostr.GeneratePrivateKey()
	handler := BuildPublishHandler(store, registry, forwarder, relayPriv, spy.fn)

	ev := signedEvent(t, nostr.GeneratePrivateKey(), 32018, nostr.Now(), nostr.Tags{{"d", "daily"}})
	rec := &recorder{}
	handler(context.Background(), eventReader(t, ev), rec.write)

	frames := rec.all()
	require.Len(t, frames, 1)
	requireOK(t, frames[0], ev.ID, true)

	// The original is offloaded, only the pointer event stays local
	have, err := store.HasEvent(ev.ID)
	require.NoError(t, err)
	assert.False(t, have)

	refs, err := store.QueryEvents(context.Background(), nostr.Filter{Kinds: []int{30078}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	ref := refs[0]
	assert.Equal(t, ev.ID, ref.Tags.GetFirst([]string{"e"}).Value())

	relayPub, err := nostr.GetPublicKey(relayPriv)
	require.NoError(t, err)
	assert.Equal(t, relayPub, ref.PubKey)

	count, last := spy.snapshot()
	assert.Equal(t, 1, count)
	assert.Equal(t, ref.ID, last.ID)

	select {
	case forwarded := <-received:
		assert.Equal(t, ev.ID, forwarded.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("satellite never received the event")
	}
}

func TestPublishPrivateReferencesKeepSharedDTag(t *testing.T) {
	satelliteSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer satelliteSrv.Close()

	store := newTestStore(t)
	registry := satellite.NewRegistry(store, 24*time.Hour)
	require.NoError(t, registry.Register(&types.SatelliteNode{
		Pubkey:         strings.Repeat("cc", 32),
		URL:            satelliteSrv.URL,
		SupportedKinds: []int{32018},
	}))

	forwarder := satellite.NewForwarder(5 * time.Second)
	forwarder.Start()
	defer forwarder.Stop()

	spy := &broadcastSpy{}
	handler := BuildPublishHandler(store, registry, forwarder, nostr.GeneratePrivateKey(), spy.fn)

	// Two users offload private events carrying the same d tag in the
	// same second; each must keep its own local pointer.
	now := nostr.Now()
	tags := nostr.Tags{{"d", "daily-metrics"}}
	first := signedEvent(t, nostr.GeneratePrivateKey(), 32018, now, tags)
	second := signedEvent(t, nostr.GeneratePrivateKey(), 32018, now, tags)

	rec := &recorder{}
	handler(context.Background(), eventReader(t, first), rec.write)
	handler(context.Background(), eventReader(t, second), rec.write)

	frames := rec.all()
	require.Len(t, frames, 2)
	requireOK(t, frames[0], first.ID, true)
	requireOK(t, frames[1], second.ID, true)

	refs, err := store.QueryEvents(context.Background(), nostr.Filter{Kinds: []int{30078}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	pointed := map[string]bool{}
	for _, ref := range refs {
		pointed[ref.Tags.GetFirst([]string{"e"}).Value()] = true
	}
	assert.True(t, pointed[first.ID])
	assert.True(t, pointed[second.ID])
}

func TestPublishPrivateForwardQueueFullNotifies(t *testing.T) {
	store := newTestStore(t)
	registry := satellite.NewRegistry(store, 24*time.Hour)
	require.NoError(t, registry.Register(&types.SatelliteNode{
		Pubkey:         strings.Repeat("cc", 32),
		URL:            "https://satellite.example.com",
		SupportedKinds: []int{32018},
	}))

	// The forwarder is never started, so its queue fills and stays full
	forwarder := satellite.NewForwarder(time.Second)
	filler := &nostr.Event{ID: strings.Repeat("dd", 32)}
	for forwarder.Enqueue(&satellite.ForwardTask{Event: filler, Node: types.SatelliteNode{URL: "https://satellite.example.com"}}) {
	}

	spy := &broadcastSpy{}
	handler := BuildPublishHandler(store, registry, forwarder, nostr.GeneratePrivateKey(), spy.fn)

	ev := signedEvent(t, nostr.GeneratePrivateKey(), 32018, nostr.Now(), nil)
	rec := &recorder{}
	handler(context.Background(), eventReader(t, ev), rec.write)

	frames := rec.all()
	require.Len(t, frames, 2)

	require.Equal(t, "NOTICE", frames[0].messageType)
	require.Len(t, frames[0].params, 1)
	notice, ok := frames[0].params[0].(string)
	require.True(t, ok)
	assert.Contains(t, notice, "forwarding queue full")
	assert.Contains(t, notice, ev.ID)

	// The pointer is durable and acknowledged even though delivery failed
	requireOK(t, frames[1], ev.ID, true)
	refs, err := store.QueryEvents(context.Background(), nostr.Filter{Kinds: []int{30078}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, refs, 1)
}

func TestPublishAddressableReplacement(t *testing.T) {
	store := newTestStore(t)
	registry := satellite.NewRegistry(store, 24*time.Hour)
	forwarder := satellite.NewForwarder(time.Second)
	spy := &broadcastSpy{}
	handler := BuildPublishHandler(store, registry, forwarder, nostr.GeneratePrivateKey(), spy.fn)

	priv := nostr.GeneratePrivateKey()
	base := nostr.Now()
	tags := nostr.Tags{{"d", "squat"}}

	v1 := signedEvent(t, priv, 33401, base-100, tags)
	v2 := signedEvent(t, priv, 33401, base, tags)

	rec := &recorder{}
	handler(context.Background(), eventReader(t, v1), rec.write)
	handler(context.Background(), eventReader(t, v2), rec.write)

	frames := rec.all()
	require.Len(t, frames, 2)
	requireOK(t, frames[0], v1.ID, true)
	requireOK(t, frames[1], v2.ID, true)

	// The newer version replaced the older one
	have, err := store.HasEvent(v1.ID)
	require.NoError(t, err)
	assert.False(t, have)
	have, err = store.HasEvent(v2.ID)
	require.NoError(t, err)
	assert.True(t, have)

	// Publishing a version older than the stored one is rejected
	stale := signedEvent(t, priv, 33401, base-50, tags)
	rec = &recorder{}
	handler(context.Background(), eventReader(t, stale), rec.write)

	frames = rec.all()
	require.Len(t, frames, 1)
	msg := requireOK(t, frames[0], stale.ID, false)
	assert.True(t, strings.HasPrefix(msg, "replaced:"), "message was %q", msg)
}
