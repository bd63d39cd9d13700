package badgerhold

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
)

// DeleteExpiredEvents removes every event whose expires_at timestamp
// is at or before now and returns how many were deleted. The expiry
// index is walked forward from the epoch and the scan stops at the
// first key past the cutoff, so cost is proportional to the number of
// expired events, not the store size.
//
// Each event is removed in its own transaction (primary plus all
// secondary keys together), so a crash mid-sweep leaves no partially
// deleted event; the survivors are picked up by the next sweep.
func (store *BadgerholdStore) DeleteExpiredEvents(now time.Time) (int, error) {
	if store.IsClosed() {
		return 0, fmt.Errorf("database is closed")
	}

	cutoff := now.Unix()
	prefix := []byte(prefixExpiry)

	type expiredRef struct {
		id  string
		key []byte
	}
	var expired []expiredRef
	err := store.Database.Badger().View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if extractTimestampFromKey(key) > cutoff {
				break
			}
			expired = append(expired, expiredRef{id: extractEventIDFromKey(key), key: key})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("expiry scan failed: %w", err)
	}

	deleted := 0
	for _, ref := range expired {
		if err := store.DeleteEvent(ref.id); err != nil {
			// Primary already gone – drop the dangling expiry key so the
			// next sweep does not rescan it
			logging.Debugf("Expiry sweep: skipping %s: %v", ref.id, err)
			_ = store.Database.Badger().Update(func(tx *badger.Txn) error {
				return tx.Delete(ref.key)
			})
			continue
		}
		deleted++
	}

	if deleted > 0 {
		logging.Infof("Expiry sweep removed %d events", deleted)
	}
	return deleted, nil
}
