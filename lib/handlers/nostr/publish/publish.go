package publish

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/config"
	lib_nostr "github.com/healthnote-storage/healthnote-relay/lib/handlers/nostr"
	"github.com/healthnote-storage/healthnote-relay/lib/logging"
	"github.com/healthnote-storage/healthnote-relay/lib/privacy"
	"github.com/healthnote-storage/healthnote-relay/lib/reference"
	"github.com/healthnote-storage/healthnote-relay/lib/satellite"
	"github.com/healthnote-storage/healthnote-relay/lib/stores"
	"github.com/healthnote-storage/healthnote-relay/lib/validation"
)

// BuildPublishHandler wires the full publish pipeline: validate,
// duplicate check, classify, then either store-and-fan-out (public and
// limited events) or route to a satellite with a local pointer event
// (private events). Every publish produces exactly one OK frame.
//
// broadcast delivers an accepted event to the live subscription set;
// relayPrivKeyHex signs reference events with the relay identity.
func BuildPublishHandler(store stores.Store, registry *satellite.Registry, forwarder *satellite.Forwarder, relayPrivKeyHex string, broadcast func(*nostr.Event)) lib_nostr.CommandHandler {
	handler := func(ctx context.Context, read lib_nostr.KindReader, write lib_nostr.KindWriter) {
		var json = jsoniter.ConfigCompatibleWithStandardLibrary

		data, err := read()
		if err != nil {
			logging.Infof("Error reading from stream: %v", err)
			write("NOTICE", "Error reading from stream.")
			return
		}

		var env nostr.EventEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			write("NOTICE", "Error unpacking event.")
			return
		}
		ev := &env.Event

		cfg, err := config.GetConfig()
		if err != nil {
			logging.Errorf("Configuration unavailable: %v", err)
			write("OK", ev.ID, false, "error: configuration unavailable")
			return
		}
		skew := time.Duration(cfg.Limits.ClockSkewFutureSeconds) * time.Second

		if result, msg := validation.Validate(ev, time.Now(), skew); result != validation.Accepted {
			write("OK", ev.ID, false, msg)
			return
		}

		// Duplicate publishes succeed without storing or fanning out again
		if have, err := store.HasEvent(ev.ID); err != nil {
			write("OK", ev.ID, false, "error: could not check for duplicates")
			return
		} else if have {
			write("OK", ev.ID, true, "duplicate: already have this event")
			return
		}

		level := privacy.Classify(ev)
		logging.Debugf("Event %s (kind %d) classified %s", ev.ID, ev.Kind, level)

		if level == privacy.Private {
			handlePrivateEvent(ctx, store, registry, forwarder, relayPrivKeyHex, broadcast, write, ev)
			return
		}

		if ok, msg := storeWithReplacement(ctx, store, ev); !ok {
			write("OK", ev.ID, false, msg)
			return
		}

		broadcast(ev)
		write("OK", ev.ID, true, "")
	}

	return handler
}

// handlePrivateEvent routes a private event to a satellite node. The
// original is forwarded asynchronously and only a public pointer event
// is stored locally; when no satellite qualifies the event falls back
// to local storage without fan-out.
func handlePrivateEvent(ctx context.Context, store stores.Store, registry *satellite.Registry, forwarder *satellite.Forwarder, relayPrivKeyHex string, broadcast func(*nostr.Event), write lib_nostr.KindWriter, ev *nostr.Event) {
	node := registry.Route(ev)
	if node == nil {
		if ok, msg := storeWithReplacement(ctx, store, ev); !ok {
			write("OK", ev.ID, false, msg)
			return
		}
		write("OK", ev.ID, true, "stored locally: no satellite node available")
		return
	}

	ref := reference.NewReferenceEvent(ev, node, time.Now())
	if err := ref.Sign(relayPrivKeyHex); err != nil {
		logging.Errorf("Failed to sign reference event for %s: %v", ev.ID, err)
		write("OK", ev.ID, false, "error: could not create reference event")
		return
	}

	// Reference events are relay-authored pointers keyed by the original
	// event; addressable replacement never applies to them, so two
	// private events sharing a d tag keep separate references.
	if err := store.StoreEvent(ref); err != nil {
		logging.Errorf("Failed to store reference event for %s: %v", ev.ID, err)
		write("OK", ev.ID, false, "error: could not store event")
		return
	}

	// The acknowledgement only waits for the pointer to be durable;
	// delivery to the satellite happens in the background.
	queued := forwarder.Enqueue(&satellite.ForwardTask{
		Event: ev,
		Node:  *node,
		OnFailure: func(reason string) {
			write("NOTICE", reason)
		},
	})
	if !queued {
		write("NOTICE", fmt.Sprintf("satellite forwarding queue full: event %s dropped", ev.ID))
	}

	broadcast(ref)
	write("OK", ev.ID, true, "")
}

// isAddressableKind reports whether events of this kind are replaced by
// newer events from the same author carrying the same d tag.
func isAddressableKind(kind int) bool {
	return kind >= 30000 && kind < 40000
}

func dTagValue(ev *nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// storeWithReplacement persists an event, applying addressable-event
// semantics for kinds in [30000, 40000): the newest event per (author,
// kind, d tag) wins, older versions are removed, and a stale publish is
// rejected. Non-addressable kinds are stored directly.
func storeWithReplacement(ctx context.Context, store stores.Store, ev *nostr.Event) (bool, string) {
	if isAddressableKind(ev.Kind) {
		existing, err := store.QueryEvents(ctx, nostr.Filter{
			Authors: []string{ev.PubKey},
			Kinds:   []int{ev.Kind},
			Tags:    nostr.TagMap{"d": []string{dTagValue(ev)}},
			Limit:   1,
		})
		if err != nil {
			logging.Errorf("Replacement lookup for %s failed: %v", ev.ID, err)
			return false, "error: could not store event"
		}
		if len(existing) > 0 {
			old := existing[0]
			if old.CreatedAt > ev.CreatedAt || (old.CreatedAt == ev.CreatedAt && old.ID < ev.ID) {
				return false, "replaced: have a newer version of this event"
			}
			if err := store.DeleteEvent(old.ID); err != nil {
				logging.Warnf("Failed to delete replaced event %s: %v", old.ID, err)
			}
		}
	}

	if err := store.StoreEvent(ev); err != nil {
		logging.Errorf("Failed to store event %s: %v", ev.ID, err)
		return false, fmt.Sprintf("error: could not store event: %v", err)
	}
	return true, ""
}
