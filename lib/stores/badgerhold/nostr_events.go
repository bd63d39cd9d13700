package badgerhold

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
)

// ───────────────────────────────────────────────────────────────────
// Key Schema  (raw BadgerDB – the ORM is not used for the event path)
//
//   evt:{eventID}                                         → CBOR(storedEvent)
//   eti:{kind}:{hexTime16}:{eventID}                      → nil   (kind-time)
//   eai:{pubkey}:{hexTime16}:{eventID}                    → nil   (author-time)
//   ets:{hexTime16}:{eventID}                             → nil   (global time)
//   tag:{tagName}:{tagValue}\x00{hexTime16}:{eventID}     → nil   (tag)
//   exp:{hexTime16}:{eventID}                             → nil   (expiry)
//   _schema:version                                       → CBOR(int)
//
// hexTime16  = fmt.Sprintf("%016x", uint64(createdAt))
//              16-char zero-padded hex ⇒ correct lexicographic sort.
// The expiry key embeds the expires_at timestamp instead of created_at
// so the sweeper can walk it forward and stop at "now".
// ───────────────────────────────────────────────────────────────────

const (
	prefixEvent      = "evt:"
	prefixKindTime   = "eti:"
	prefixAuthorTime = "eai:"
	prefixEventTime  = "ets:"
	prefixTag        = "tag:"
	prefixExpiry     = "exp:"

	schemaVersionKey     = "_schema:version"
	currentSchemaVersion = 1
)

// storedEvent is the CBOR value stored at evt:{id}.
// The event ID lives in the key so it is NOT duplicated here.
type storedEvent struct {
	PubKey    string     `cbor:"p"`
	CreatedAt int64      `cbor:"c"`
	Kind      int        `cbor:"k"`
	Tags      nostr.Tags `cbor:"t"`
	Content   string     `cbor:"n"`
	Sig       string     `cbor:"s"`
}

// ──────── key builders ────────

func eventKey(id string) []byte {
	return []byte(prefixEvent + id)
}

func kindTimeKey(kind int, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%d:%016x:%s", prefixKindTime, kind, uint64(ts), id))
}

func authorTimeKey(pub string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x:%s", prefixAuthorTime, pub, uint64(ts), id))
}

func eventTimeKey(ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%016x:%s", prefixEventTime, uint64(ts), id))
}

func tagIndexKey(name, value string, ts int64, id string) []byte {
	// \x00 separates variable-length tagValue from the fixed-length suffix
	return []byte(fmt.Sprintf("%s%s:%s\x00%016x:%s", prefixTag, name, value, uint64(ts), id))
}

func expiryKey(expiresAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%016x:%s", prefixExpiry, uint64(expiresAt), id))
}

// ──────── key parsers ────────

// extractEventIDFromKey returns the last 64 characters of any index key
// (event IDs are always 64-char hex at the tail).
func extractEventIDFromKey(key []byte) string {
	if len(key) < 64 {
		return ""
	}
	return string(key[len(key)-64:])
}

// extractTimestampFromKey returns the embedded timestamp. Layout: …:{16hex}:{64id}
func extractTimestampFromKey(key []byte) int64 {
	if len(key) < 64+1+16 {
		return 0
	}
	hexStr := string(key[len(key)-64-1-16 : len(key)-64-1])
	ts, _ := strconv.ParseUint(hexStr, 16, 64)
	return int64(ts)
}

// ──────── seek helpers (reverse iteration) ────────

// seekEnd returns prefix + 0xFF padding so a reverse iterator starts
// past all matching keys.
func seekEnd(prefix []byte) []byte {
	out := make([]byte, 0, len(prefix)+80)
	out = append(out, prefix...)
	for i := 0; i < 80; i++ {
		out = append(out, 0xFF)
	}
	return out
}

// seekBefore positions a reverse iterator at or before a given
// timestamp within a prefix (for Until bounds).
func seekBefore(prefix []byte, until int64) []byte {
	ts := fmt.Sprintf("%016x:", uint64(until))
	out := make([]byte, 0, len(prefix)+17+64)
	out = append(out, prefix...)
	out = append(out, []byte(ts)...)
	for i := 0; i < 64; i++ {
		out = append(out, 0xFF)
	}
	return out
}

// ──────── low-level helpers ────────

// getEvent fetches and decodes a single event by ID within a read transaction.
func getEvent(tx *badger.Txn, id string) (*nostr.Event, error) {
	item, err := tx.Get(eventKey(id))
	if err != nil {
		return nil, err
	}
	var se storedEvent
	err = item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &se)
	})
	if err != nil {
		return nil, err
	}
	return &nostr.Event{
		ID:        id,
		PubKey:    se.PubKey,
		CreatedAt: nostr.Timestamp(se.CreatedAt),
		Kind:      se.Kind,
		Tags:      se.Tags,
		Content:   se.Content,
		Sig:       se.Sig,
	}, nil
}

// expiresAt returns the value of the first well-formed expires_at tag,
// or 0 when the event does not expire.
func expiresAt(ev *nostr.Event) int64 {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "expires_at" {
			if ts, err := strconv.ParseInt(tag[1], 10, 64); err == nil && ts > 0 {
				return ts
			}
		}
	}
	return 0
}

// indexKeysForEvent returns every secondary index key an event owns.
// StoreEvent writes these alongside the primary; DeleteEvent and
// RebuildIndexes derive them the same way, which is what keeps the
// §4.4 primary/secondary invariant restorable from primaries alone.
func indexKeysForEvent(ev *nostr.Event) [][]byte {
	ts := int64(ev.CreatedAt)
	keys := [][]byte{
		kindTimeKey(ev.Kind, ts, ev.ID),
		authorTimeKey(ev.PubKey, ts, ev.ID),
		eventTimeKey(ts, ev.ID),
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		keys = append(keys, tagIndexKey(tag[0], tag[1], ts, ev.ID))
	}
	if exp := expiresAt(ev); exp > 0 {
		keys = append(keys, expiryKey(exp, ev.ID))
	}
	return keys
}

// ──────── StoreEvent ────────

// StoreEvent persists an event and all of its index keys in a single
// transaction. Storing the same event twice is a no-op at the key
// level, so the operation is idempotent on duplicate ids.
func (store *BadgerholdStore) StoreEvent(ev *nostr.Event) error {
	if store.IsClosed() {
		return fmt.Errorf("database is closed")
	}

	val, err := cbor.Marshal(storedEvent{
		PubKey:    ev.PubKey,
		CreatedAt: int64(ev.CreatedAt),
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = store.Database.Badger().Update(func(tx *badger.Txn) error {
		if err := tx.Set(eventKey(ev.ID), val); err != nil {
			return err
		}
		for _, key := range indexKeysForEvent(ev) {
			if err := tx.Set(key, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	eventsStoredCount.Add(1)
	return nil
}

// HasEvent reports whether an event with this id is stored.
func (store *BadgerholdStore) HasEvent(id string) (bool, error) {
	if store.IsClosed() {
		return false, fmt.Errorf("database is closed")
	}

	var found bool
	err := store.Database.Badger().View(func(tx *badger.Txn) error {
		_, err := tx.Get(eventKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// GetEvent returns the stored event with this id, or nil when absent.
func (store *BadgerholdStore) GetEvent(id string) (*nostr.Event, error) {
	if store.IsClosed() {
		return nil, fmt.Errorf("database is closed")
	}

	var ev *nostr.Event
	err := store.Database.Badger().View(func(tx *badger.Txn) error {
		var e error
		ev, e = getEvent(tx, id)
		if e == badger.ErrKeyNotFound {
			ev = nil
			return nil
		}
		return e
	})
	return ev, err
}

// ──────── DeleteEvent ────────

// DeleteEvent removes an event's primary record and every secondary
// index entry in one transaction.
func (store *BadgerholdStore) DeleteEvent(eventID string) error {
	if store.IsClosed() {
		return fmt.Errorf("database is closed")
	}

	// Fetch event to learn which index keys to remove
	var ev *nostr.Event
	err := store.Database.Badger().View(func(tx *badger.Txn) error {
		var e error
		ev, e = getEvent(tx, eventID)
		return e
	})
	if err != nil {
		return fmt.Errorf("event not found for deletion: %w", err)
	}

	err = store.Database.Badger().Update(func(tx *badger.Txn) error {
		if err := tx.Delete(eventKey(eventID)); err != nil {
			return err
		}
		for _, key := range indexKeysForEvent(ev) {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete event and indexes: %w", err)
	}

	eventsDeletedCount.Add(1)
	return nil
}

// ──────── QueryEvents ────────

// effectiveLimit resolves a filter's limit against the configured
// bounds: a missing limit falls back to the advertised maximum, an
// explicit one is clamped to it.
func (store *BadgerholdStore) effectiveLimit(filter nostr.Filter) int {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.MaxQueryLimit
	}
	if limit > store.MaxQueryLimit {
		limit = store.MaxQueryLimit
	}
	return limit
}

// isEmptyFilter reports whether the filter constrains nothing at all.
// An empty filter matches no events; this is a deliberate guard
// against accidental full-store queries.
func isEmptyFilter(f nostr.Filter) bool {
	return f.IDs == nil && f.Kinds == nil && f.Authors == nil &&
		len(f.Tags) == 0 && f.Since == nil && f.Until == nil &&
		f.Limit <= 0 && !f.LimitZero
}

// hasEmptyConstraint reports whether any present-but-empty field makes
// the filter unsatisfiable (an empty set narrows to nothing).
func hasEmptyConstraint(f nostr.Filter) bool {
	if f.IDs != nil && len(f.IDs) == 0 {
		return true
	}
	if f.Kinds != nil && len(f.Kinds) == 0 {
		return true
	}
	if f.Authors != nil && len(f.Authors) == 0 {
		return true
	}
	for _, values := range f.Tags {
		if len(values) == 0 {
			return true
		}
	}
	return false
}

// QueryEvents answers a single filter from the most selective index:
// ids > tag filters > authors > kinds > time-only. Results are
// newest-first, post-filtered by the remaining predicates, and capped
// by the filter's effective limit. The context is checked between
// yielded candidates so a cancelled backlog query stops early.
func (store *BadgerholdStore) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if store.IsClosed() {
		return nil, fmt.Errorf("database is closed")
	}
	if filter.LimitZero || isEmptyFilter(filter) || hasEmptyConstraint(filter) {
		return nil, nil
	}

	limit := store.effectiveLimit(filter)

	logging.Debugf("QueryEvents: kinds=%v authors=%d ids=%d tags=%d limit=%d",
		filter.Kinds, len(filter.Authors), len(filter.IDs), len(filter.Tags), filter.Limit)

	var events []*nostr.Event

	err := store.Database.Badger().View(func(tx *badger.Txn) error {
		var e error
		switch {
		case len(filter.IDs) > 0:
			events, e = queryByIDs(ctx, tx, filter, limit)
		case len(filter.Tags) > 0:
			events, e = queryByTags(ctx, tx, filter, limit)
		case len(filter.Authors) > 0:
			events, e = queryByAuthors(ctx, tx, filter, limit)
		case len(filter.Kinds) > 0:
			events, e = queryByKinds(ctx, tx, filter, limit)
		default:
			events, e = queryAllEvents(ctx, tx, filter, limit)
		}
		return e
	})
	return events, err
}

// QueryEventsMultiple unions per-filter results, deduplicating by id,
// ordered created_at descending with ties broken by id ascending, and
// capped at limit when limit > 0.
func (store *BadgerholdStore) QueryEventsMultiple(ctx context.Context, filters []nostr.Filter, limit int) ([]*nostr.Event, error) {
	seen := make(map[string]struct{})
	var combined []*nostr.Event

	for _, filter := range filters {
		if err := ctx.Err(); err != nil {
			return combined, err
		}
		events, err := store.QueryEvents(ctx, filter)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			combined = append(combined, ev)
		}
	}

	sortEventsByCreatedAtDesc(combined)
	if limit > 0 && len(combined) > limit {
		combined = combined[:limit]
	}
	return combined, nil
}

// ──── query strategies ────

func queryByIDs(ctx context.Context, tx *badger.Txn, filter nostr.Filter, limit int) ([]*nostr.Event, error) {
	var results []*nostr.Event
	for _, id := range filter.IDs {
		if len(results) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		ev, err := getEvent(tx, id)
		if err != nil {
			// Unknown ids simply produce fewer results
			continue
		}
		if matchesFilter(ev, filter) {
			results = append(results, ev)
		}
	}
	sortEventsByCreatedAtDesc(results)
	return results, nil
}

func queryByTags(ctx context.Context, tx *badger.Txn, filter nostr.Filter, limit int) ([]*nostr.Event, error) {
	// Pick one tag constraint as the index driver; the rest are
	// applied by the post-filter. Single-letter names hit the tag
	// index directly, anything longer falls back to a time scan.
	var primaryName string
	var primaryValues []string
	for name, values := range filter.Tags {
		trimmed := strings.TrimPrefix(name, "#")
		if len(trimmed) != 1 {
			continue
		}
		primaryName = trimmed
		primaryValues = values
		break
	}
	if primaryName == "" {
		return queryAllEvents(ctx, tx, filter, limit)
	}

	prefixes := make([][]byte, len(primaryValues))
	for i, v := range primaryValues {
		prefixes[i] = []byte(fmt.Sprintf("%s%s:%s\x00", prefixTag, primaryName, v))
	}
	return collectFromPrefixes(ctx, tx, prefixes, filter, limit)
}

func queryByAuthors(ctx context.Context, tx *badger.Txn, filter nostr.Filter, limit int) ([]*nostr.Event, error) {
	prefixes := make([][]byte, len(filter.Authors))
	for i, a := range filter.Authors {
		prefixes[i] = []byte(prefixAuthorTime + a + ":")
	}
	return collectFromPrefixes(ctx, tx, prefixes, filter, limit)
}

func queryByKinds(ctx context.Context, tx *badger.Txn, filter nostr.Filter, limit int) ([]*nostr.Event, error) {
	prefixes := make([][]byte, len(filter.Kinds))
	for i, k := range filter.Kinds {
		prefixes[i] = []byte(fmt.Sprintf("%s%d:", prefixKindTime, k))
	}
	return collectFromPrefixes(ctx, tx, prefixes, filter, limit)
}

func queryAllEvents(ctx context.Context, tx *badger.Txn, filter nostr.Filter, limit int) ([]*nostr.Event, error) {
	return collectFromPrefixes(ctx, tx, [][]byte{[]byte(prefixEventTime)}, filter, limit)
}

// ──── core collector ────

// collectFromPrefixes reverse-iterates one or more index prefixes,
// fetches each event, applies the full filter, and returns up to limit
// results newest-first.
func collectFromPrefixes(ctx context.Context, tx *badger.Txn, prefixes [][]byte, filter nostr.Filter, limit int) ([]*nostr.Event, error) {
	seen := make(map[string]struct{})
	var results []*nostr.Event

	for _, prefix := range prefixes {
		// For a single prefix we can stop as soon as limit is reached.
		// For multiple prefixes we keep collecting (then merge-sort later).
		if len(prefixes) == 1 && len(results) >= limit {
			break
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // index keys carry no value
		opts.Reverse = true
		opts.Prefix = prefix // required for reverse prefix iteration in BadgerDB

		it := tx.NewIterator(opts)

		var sk []byte
		if filter.Until != nil {
			sk = seekBefore(prefix, int64(*filter.Until))
		} else {
			sk = seekEnd(prefix)
		}

		it.Seek(sk)
		for it.ValidForPrefix(prefix) {
			if err := ctx.Err(); err != nil {
				it.Close()
				return results, err
			}

			key := it.Item().KeyCopy(nil)
			ts := extractTimestampFromKey(key)

			// Since bound – everything older can be skipped
			if filter.Since != nil && ts < int64(*filter.Since) {
				break
			}

			eid := extractEventIDFromKey(key)
			if _, dup := seen[eid]; dup {
				it.Next()
				continue
			}
			seen[eid] = struct{}{}

			ev, err := getEvent(tx, eid)
			if err != nil {
				it.Next()
				continue
			}

			if matchesFilter(ev, filter) {
				results = append(results, ev)
				if len(prefixes) == 1 && len(results) >= limit {
					break
				}
			}

			it.Next()
		}
		it.Close()
	}

	// Multiple prefixes may interleave timestamps – re-sort and truncate.
	sortEventsByCreatedAtDesc(results)
	if len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// ──────── filter matching ────────

func matchesFilter(ev *nostr.Event, f nostr.Filter) bool {
	if len(f.IDs) > 0 && !containsStr(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, ev.PubKey) {
		return false
	}
	if f.Since != nil && int64(ev.CreatedAt) < int64(*f.Since) {
		return false
	}
	if f.Until != nil && int64(ev.CreatedAt) > int64(*f.Until) {
		return false
	}
	// Tags – AND across tag names, OR within values
	for tagKey, wantValues := range f.Tags {
		name := strings.TrimPrefix(tagKey, "#")
		found := false
		for _, tag := range ev.Tags {
			if len(tag) >= 2 && tag[0] == name {
				for _, wv := range wantValues {
					if tag[1] == wv {
						found = true
						break
					}
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ──────── sort helper ────────

// sortEventsByCreatedAtDesc orders newest-first; equal timestamps are
// broken by id ascending so result order is deterministic.
func sortEventsByCreatedAtDesc(events []*nostr.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}

// ──────── small utilities ────────

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func containsInt(ii []int, v int) bool {
	for _, x := range ii {
		if x == v {
			return true
		}
	}
	return false
}

// ──────── schema version ────────

// CheckSchemaVersion verifies the database is on the expected schema
// version. A fresh database is stamped with the current version; a
// mismatch is fatal because index key layouts are not compatible
// across versions.
func CheckSchemaVersion(db *badger.DB) error {
	var version int
	var hasVersion bool

	err := db.View(func(tx *badger.Txn) error {
		item, err := tx.Get([]byte(schemaVersionKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		hasVersion = true
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &version)
		})
	})
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if hasVersion {
		if version != currentSchemaVersion {
			return fmt.Errorf("database schema version %d is not supported (expected %d)",
				version, currentSchemaVersion)
		}
		return nil
	}

	// Fresh database – stamp current version
	return db.Update(func(tx *badger.Txn) error {
		val, _ := cbor.Marshal(currentSchemaVersion)
		return tx.Set([]byte(schemaVersionKey), val)
	})
}

// RebuildIndexes walks every primary event record and rewrites its
// secondary index keys. Used to recover from a crash that may have
// left the secondaries incomplete; primaries are the source of truth.
func (store *BadgerholdStore) RebuildIndexes() error {
	if store.IsClosed() {
		return fmt.Errorf("database is closed")
	}

	db := store.Database.Badger()
	prefix := []byte(prefixEvent)

	var rebuilt int
	err := db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			ev, err := getEvent(tx, id)
			if err != nil {
				return err
			}
			// Each event's index keys go in their own write txn so the
			// read iterator above stays on a stable snapshot.
			if err := db.Update(func(wtx *badger.Txn) error {
				for _, key := range indexKeysForEvent(ev) {
					if err := wtx.Set(key, nil); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return err
			}
			rebuilt++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index rebuild failed: %w", err)
	}

	logging.Infof("Rebuilt secondary indexes for %d events", rebuilt)
	return nil
}
