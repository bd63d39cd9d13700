package badgerhold

import (
	"fmt"

	"github.com/timshannon/badgerhold/v4"

	"github.com/healthnote-storage/healthnote-relay/lib/types"
)

// The satellite node table is small and query-light, so it goes
// through the badgerhold ORM rather than the raw key schema used for
// events. Records are keyed by pubkey.

// SaveSatelliteNode inserts or updates a satellite node record.
func (store *BadgerholdStore) SaveSatelliteNode(node *types.SatelliteNode) error {
	if store.IsClosed() {
		return fmt.Errorf("database is closed")
	}
	if err := store.Database.Upsert(node.Pubkey, node); err != nil {
		return fmt.Errorf("failed to save satellite node %s: %w", node.Pubkey, err)
	}
	return nil
}

// GetSatelliteNodes returns every registered satellite node, live or
// not; liveness is the registry's concern.
func (store *BadgerholdStore) GetSatelliteNodes() ([]types.SatelliteNode, error) {
	if store.IsClosed() {
		return nil, fmt.Errorf("database is closed")
	}
	var nodes []types.SatelliteNode
	if err := store.Database.Find(&nodes, &badgerhold.Query{}); err != nil {
		return nil, fmt.Errorf("failed to load satellite nodes: %w", err)
	}
	return nodes, nil
}
