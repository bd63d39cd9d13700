package reference

import (
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/types"
)

// ReferenceKind is the kind of the public pointer event the relay
// stores locally when a private event is routed to a satellite node.
const ReferenceKind = 30078

// safeEchoTags are the only tag names copied from the original event
// onto the reference; everything else on a private event stays private.
var safeEchoTags = map[string]bool{
	"d":       true,
	"t":       true,
	"subject": true,
}

// NewReferenceEvent builds the pointer event for a private event that
// was routed to node. The returned event is unsigned; the caller signs
// it with the relay identity before storing.
func NewReferenceEvent(original *nostr.Event, node *types.SatelliteNode, now time.Time) *nostr.Event {
	ref := &nostr.Event{
		Kind:      ReferenceKind,
		CreatedAt: nostr.Timestamp(now.Unix()),
		Tags: nostr.Tags{
			{"e", original.ID},
			{"p", original.PubKey},
			{"kind", strconv.Itoa(original.Kind)},
			{"blossom", node.Pubkey},
			{"url", node.URL},
		},
		Content: "",
	}

	for _, tag := range original.Tags {
		if len(tag) >= 2 && safeEchoTags[tag[0]] {
			ref.Tags = append(ref.Tags, tag)
		}
	}

	return ref
}
