package websocket

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gofiber/contrib/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// RelayInfo is the NIP-11 style information document served on GET /.
type RelayInfo struct {
	Name           string      `json:"name,omitempty"`
	Description    string      `json:"description,omitempty"`
	Pubkey         string      `json:"pubkey,omitempty"`
	Contact        string      `json:"contact,omitempty"`
	SupportedNIPs  []int       `json:"supported_nips,omitempty"`
	Software       string      `json:"software,omitempty"`
	Version        string      `json:"version,omitempty"`
	SupportedKinds []int       `json:"supported_kinds,omitempty"`
	Limitation     *Limitation `json:"limitation,omitempty"`
}

// Limitation advertises the relay's query bounds.
type Limitation struct {
	DefaultLimit int `json:"default_limit"`
	MaxLimit     int `json:"max_limit"`
}

// Subscription is one REQ label on a connection. It starts out
// replaying backlog; once the end-of-stored-events sentinel is queued
// the transport flips live and newly accepted events start matching.
type Subscription struct {
	filters nostr.Filters
	cancel  context.CancelFunc
	live    atomic.Bool
}

type frameKind int

const (
	// frameControl frames (OK, NOTICE, EOSE) are never shed.
	frameControl frameKind = iota
	// frameBacklog frames are stored events replayed for a subscription;
	// they are the first to go under back-pressure.
	frameBacklog
	// frameLive frames are accepted-event fan-out.
	frameLive
)

// outFrame is one queued outbound protocol frame.
type outFrame struct {
	kind  frameKind
	label string
	env   interface{}
}

// connection owns everything for a single client: its outbound frame
// queue, its subscriptions, and its lifetime context. No other
// connection can reach this state.
type connection struct {
	ws  *websocket.Conn
	id  uint64
	ctx context.Context

	mu       sync.Mutex
	queue    []outFrame
	wake     chan struct{}
	closing  bool
	closed   bool
	maxQueue int

	subscriptions *xsync.MapOf[string, *Subscription]
}
