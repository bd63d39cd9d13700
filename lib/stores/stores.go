package stores

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/types"
)

// Store is the persistence boundary of the relay: accepted events with
// their secondary indexes, and the satellite node table.
type Store interface {
	// Events
	StoreEvent(ev *nostr.Event) error
	HasEvent(id string) (bool, error)
	GetEvent(id string) (*nostr.Event, error)
	QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)
	// QueryEventsMultiple unions the per-filter results, deduplicated
	// by id and ordered by created_at descending (ties broken by id
	// ascending), capped at limit when limit > 0.
	QueryEventsMultiple(ctx context.Context, filters []nostr.Filter, limit int) ([]*nostr.Event, error)
	DeleteEvent(eventID string) error
	DeleteExpiredEvents(now time.Time) (int, error)
	RebuildIndexes() error

	// Satellite nodes
	SaveSatelliteNode(node *types.SatelliteNode) error
	GetSatelliteNodes() ([]types.SatelliteNode, error)

	// Cleanup
	Cleanup() error
}
