package satellite

import (
	"fmt"
	"net/url"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
	"github.com/healthnote-storage/healthnote-relay/lib/stores"
	"github.com/healthnote-storage/healthnote-relay/lib/types"
)

// Registry tracks the known satellite nodes and answers routing
// queries for private events. Records are kept in memory for readers
// and written through to the store so a restart repopulates them.
type Registry struct {
	nodes          *xsync.MapOf[string, types.SatelliteNode]
	store          stores.Store
	livenessWindow time.Duration

	now func() time.Time // swapped in tests
}

// NewRegistry builds an empty registry backed by store. Call Load
// before serving traffic so previously registered nodes are routable.
func NewRegistry(store stores.Store, livenessWindow time.Duration) *Registry {
	return &Registry{
		nodes:          xsync.NewMapOf[string, types.SatelliteNode](),
		store:          store,
		livenessWindow: livenessWindow,
		now:            time.Now,
	}
}

// Load repopulates the in-memory table from the persistent store.
func (r *Registry) Load() error {
	nodes, err := r.store.GetSatelliteNodes()
	if err != nil {
		return fmt.Errorf("failed to load satellite nodes: %w", err)
	}
	for _, node := range nodes {
		r.nodes.Store(node.Pubkey, node)
	}
	logging.Infof("Loaded %d satellite nodes from store", len(nodes))
	return nil
}

// Validate checks a registration record before it is accepted.
func Validate(node *types.SatelliteNode) error {
	if node.Pubkey == "" {
		return fmt.Errorf("missing pubkey")
	}
	if node.URL == "" {
		return fmt.Errorf("missing url")
	}
	parsed, err := url.Parse(node.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("malformed url %q", node.URL)
	}
	if len(node.SupportedKinds) == 0 {
		return fmt.Errorf("missing supported_kinds")
	}
	return nil
}

// Register upserts a node by pubkey, stamps last-seen to now, and
// persists the record.
func (r *Registry) Register(node *types.SatelliteNode) error {
	if err := Validate(node); err != nil {
		return err
	}

	node.LastSeen = r.now()
	if err := r.store.SaveSatelliteNode(node); err != nil {
		return err
	}
	r.nodes.Store(node.Pubkey, *node)

	logging.Infof("Registered satellite node %s at %s (kinds: %v)", node.Pubkey, node.URL, node.SupportedKinds)
	return nil
}

// Route picks the satellite node for a private event: an explicit
// blossom tag naming a live node wins, otherwise the first live node
// whose supported kinds contain the event kind. Returns nil when no
// node qualifies.
func (r *Registry) Route(ev *nostr.Event) *types.SatelliteNode {
	now := r.now()

	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "blossom" {
			if node, ok := r.nodes.Load(tag[1]); ok && node.Live(now, r.livenessWindow) {
				return &node
			}
		}
	}

	var chosen *types.SatelliteNode
	r.nodes.Range(func(_ string, node types.SatelliteNode) bool {
		if node.Live(now, r.livenessWindow) && node.Accepts(ev.Kind) {
			chosen = &node
			return false
		}
		return true
	})
	return chosen
}

// List returns a snapshot of the currently live nodes.
func (r *Registry) List() []types.SatelliteNode {
	now := r.now()
	var live []types.SatelliteNode
	r.nodes.Range(func(_ string, node types.SatelliteNode) bool {
		if node.Live(now, r.livenessWindow) {
			live = append(live, node)
		}
		return true
	})
	return live
}
