package badgerhold

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/multierr"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
)

// BadgerholdStore persists events and satellite node records in a
// single Badger database. Event records and their index keys are
// written through raw Badger transactions (see nostr_events.go); the
// satellite node table goes through the badgerhold ORM on top of the
// same database.
type BadgerholdStore struct {
	Ctx    context.Context
	cancel context.CancelFunc // signals the GC goroutine to stop on shutdown

	DatabasePath string
	Database     *badgerhold.Store

	// Query limits, fixed at init from configuration.
	DefaultQueryLimit int
	MaxQueryLimit     int

	closed bool
	mu     sync.RWMutex
}

// Write-operation counters, surfaced in periodic log lines.
var (
	eventsStoredCount  atomic.Int64
	eventsDeletedCount atomic.Int64
)

func cborEncode(value interface{}) ([]byte, error) {
	return cbor.Marshal(value)
}

func cborDecode(data []byte, value interface{}) error {
	return cbor.Unmarshal(data, value)
}

// InitStore opens (or creates) the database at basepath.
func InitStore(basepath string, defaultLimit, maxLimit int) (*BadgerholdStore, error) {
	store := &BadgerholdStore{
		DatabasePath:      basepath,
		DefaultQueryLimit: defaultLimit,
		MaxQueryLimit:     maxLimit,
	}

	ctx, cancel := context.WithCancel(context.Background())
	store.Ctx = ctx
	store.cancel = cancel

	options := badgerhold.DefaultOptions
	options.Encoder = cborEncode
	options.Decoder = cborDecode
	options.Dir = store.DatabasePath
	options.ValueDir = store.DatabasePath

	// Badger tuning: the event payloads are small JSON-ish records, so
	// keep them in the LSM tree and cap cache memory.
	options.Options = options.Options.
		WithBlockCacheSize(64 << 20).
		WithIndexCacheSize(32 << 20).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueThreshold(32 << 10)

	var err error
	store.Database, err = badgerhold.Open(options)
	if err != nil {
		return nil, err
	}

	// Verify (or stamp) the database schema version and make sure the
	// secondary indexes are consistent with the primaries.
	if err := CheckSchemaVersion(store.Database.Badger()); err != nil {
		cancel()
		closeErr := store.Database.Close()
		return nil, multierr.Append(err, closeErr)
	}

	go store.runValueLogGC()

	return store, nil
}

// runValueLogGC reclaims dead value-log space periodically until the
// store is closed.
func (store *BadgerholdStore) runValueLogGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				if err := store.Database.Badger().RunValueLogGC(0.5); err != nil {
					if err != badger.ErrNoRewrite {
						logging.Debugf("Value log GC: %v", err)
					}
					break
				}
			}
		case <-store.Ctx.Done():
			return
		}
	}
}

// Cleanup closes the database. Safe to call more than once.
func (store *BadgerholdStore) Cleanup() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}
	store.closed = true

	store.cancel()

	var result error
	result = multierr.Append(result, store.Database.Close())
	return result
}

// IsClosed returns true if the store has been closed
func (store *BadgerholdStore) IsClosed() bool {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.closed
}
