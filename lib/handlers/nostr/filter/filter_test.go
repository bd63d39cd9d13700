package filter

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthnote-storage/healthnote-relay/lib/config"
	stores_badgerhold "github.com/healthnote-storage/healthnote-relay/lib/stores/badgerhold"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "filter-test")
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

func newTestStore(t *testing.T) *stores_badgerhold.BadgerholdStore {
	t.Helper()

	store, err := stores_badgerhold.InitStore(t.TempDir(), 100, 500)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Cleanup())
	})
	return store
}

func storeEvent(t *testing.T, store *stores_badgerhold.BadgerholdStore, kind int, createdAt nostr.Timestamp) *nostr.Event {
	t.Helper()

	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      nostr.Tags{},
		Content:   "stored event",
	}
	require.NoError(t, ev.Sign(nostr.GeneratePrivateKey()))
	require.NoError(t, store.StoreEvent(ev))
	return ev
}

func reqReader(t *testing.T, subID string, filters ...nostr.Filter) func() ([]byte, error) {
	t.Helper()

	data, err := json.Marshal(nostr.ReqEnvelope{SubscriptionID: subID, Filters: filters})
	require.NoError(t, err)
	return func() ([]byte, error) { return data, nil }
}

func TestFilterReplaysBacklogNewestFirst(t *testing.T) {
	store := newTestStore(t)
	handler := BuildFilterHandler(store)

	base := nostr.Now()
	oldest := storeEvent(t, store, 1301, base-20)
	middle := storeEvent(t, store, 1301, base-10)
	newest := storeEvent(t, store, 1301, base)

	rec := &recorder{}
	handler(context.Background(), reqReader(t, "sub1", nostr.Filter{Kinds: []int{1301}}), rec.write)

	frames := rec.all()
	require.Len(t, frames, 4)

	wantOrder := []string{newest.ID, middle.ID, oldest.ID}
	for i, wantID := range wantOrder {
		require.Equal(t, "EVENT", frames[i].messageType)
		require.Len(t, frames[i].params, 2)
		assert.Equal(t, "sub1", frames[i].params[0])
		ev, ok := frames[i].params[1].(*nostr.Event)
		require.True(t, ok)
		assert.Equal(t, wantID, ev.ID)
	}

	last := frames[len(frames)-1]
	assert.Equal(t, "EOSE", last.messageType)
	require.Len(t, last.params, 1)
	assert.Equal(t, "sub1", last.params[0])
}

func TestFilterHonorsExplicitLimit(t *testing.T) {
	store := newTestStore(t)
	handler := BuildFilterHandler(store)

	base := nostr.Now()
	for i := 0; i < 5; i++ {
		storeEvent(t, store, 1301, base-nostr.Timestamp(i))
	}

	rec := &recorder{}
	handler(context.Background(), reqReader(t, "sub1", nostr.Filter{Kinds: []int{1301}, Limit: 2}), rec.write)

	frames := rec.all()
	require.Len(t, frames, 3)
	assert.Equal(t, "EVENT", frames[0].messageType)
	assert.Equal(t, "EVENT", frames[1].messageType)
	assert.Equal(t, "EOSE", frames[2].messageType)
}

func TestFilterEmptyFilterMatchesNothing(t *testing.T) {
	store := newTestStore(t)
	handler := BuildFilterHandler(store)

	storeEvent(t, store, 1301, nostr.Now())

	rec := &recorder{}
	handler(context.Background(), reqReader(t, "sub1", nostr.Filter{}), rec.write)

	frames := rec.all()
	require.Len(t, frames, 1)
	assert.Equal(t, "EOSE", frames[0].messageType)
}

func TestFilterCancelledContextEmitsNothing(t *testing.T) {
	store := newTestStore(t)
	handler := BuildFilterHandler(store)

	storeEvent(t, store, 1301, nostr.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := &recorder{}
	handler(ctx, reqReader(t, "sub1", nostr.Filter{Kinds: []int{1301}}), rec.write)

	// No backlog and, crucially, no EOSE sentinel after cancellation
	assert.Empty(t, rec.all())
}

func TestClampFilters(t *testing.T) {
	filters := nostr.Filters{
		{Kinds: []int{1301}},                // no explicit limit
		{Kinds: []int{33401}, Limit: 9999},  // above the maximum
		{Kinds: []int{33402}, Limit: 7},     // already within bounds
		{},                                  // unconstrained, must stay empty
		{Kinds: []int{1301}, LimitZero: true},
	}

	clamped, unionLimit := clampFilters(filters, 100, 500)

	assert.Equal(t, 100, clamped[0].Limit)
	assert.Equal(t, 500, clamped[1].Limit)
	assert.Equal(t, 7, clamped[2].Limit)
	assert.Zero(t, clamped[3].Limit)
	assert.True(t, clamped[4].LimitZero)
	assert.Equal(t, 500, unionLimit)
}

func TestClampFiltersDefaultUnionLimit(t *testing.T) {
	clamped, unionLimit := clampFilters(nostr.Filters{{}}, 100, 500)
	assert.Zero(t, clamped[0].Limit)
	assert.Equal(t, 100, unionLimit)
}
