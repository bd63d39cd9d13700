package filter

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/config"
	lib_nostr "github.com/healthnote-storage/healthnote-relay/lib/handlers/nostr"
	"github.com/healthnote-storage/healthnote-relay/lib/logging"
	"github.com/healthnote-storage/healthnote-relay/lib/stores"
)

// BuildFilterHandler answers subscription requests: it replays the
// stored backlog matching the request's filters, newest first, and
// finishes with an EOSE frame. Promotion of the subscription to live
// matching is the transport's job once the handler returns.
func BuildFilterHandler(store stores.Store) lib_nostr.CommandHandler {
	handler := func(ctx context.Context, read lib_nostr.KindReader, write lib_nostr.KindWriter) {
		var json = jsoniter.ConfigCompatibleWithStandardLibrary

		data, err := read()
		if err != nil {
			logging.Infof("Error reading from stream: %v", err)
			write("NOTICE", "Error reading from stream.")
			return
		}

		var request nostr.ReqEnvelope
		if err := json.Unmarshal(data, &request); err != nil {
			logging.Infof("Error unmarshaling request: %v", err)
			write("NOTICE", "Error unmarshaling request.")
			return
		}

		cfg, err := config.GetConfig()
		if err != nil {
			logging.Errorf("Configuration unavailable: %v", err)
			write("NOTICE", "Error loading relay configuration.")
			return
		}
		filters, unionLimit := clampFilters(request.Filters, cfg.Limits.DefaultQueryLimit, cfg.Limits.MaxQueryLimit)

		events, err := store.QueryEventsMultiple(ctx, filters, unionLimit)
		if err != nil {
			if ctx.Err() != nil {
				// Subscription was cancelled mid-backlog; no sentinel
				return
			}
			logging.Infof("Error querying events: %v", err)
			write("NOTICE", "Error querying events.")
			return
		}

		for _, event := range events {
			if ctx.Err() != nil {
				return
			}
			write("EVENT", request.SubscriptionID, event)
		}

		if ctx.Err() != nil {
			return
		}
		write("EOSE", request.SubscriptionID)
	}

	return handler
}

// clampFilters applies the advertised limits: a filter without an
// explicit limit gets the default, explicit limits are capped at the
// maximum. The union of all per-filter results is bounded by the
// largest effective limit.
func clampFilters(filters nostr.Filters, defaultLimit, maxLimit int) (nostr.Filters, int) {
	unionLimit := 0
	for i := range filters {
		if filters[i].LimitZero {
			continue
		}
		// A filter with no constraints at all matches nothing; leave it
		// untouched so the store treats it that way instead of turning
		// it into a full time scan.
		if isUnconstrained(filters[i]) {
			continue
		}
		if filters[i].Limit <= 0 {
			filters[i].Limit = defaultLimit
		} else if filters[i].Limit > maxLimit {
			filters[i].Limit = maxLimit
		}
		if filters[i].Limit > unionLimit {
			unionLimit = filters[i].Limit
		}
	}
	if unionLimit == 0 {
		unionLimit = defaultLimit
	}
	return filters, unionLimit
}

func isUnconstrained(f nostr.Filter) bool {
	return f.IDs == nil && f.Kinds == nil && f.Authors == nil &&
		len(f.Tags) == 0 && f.Since == nil && f.Until == nil && f.Limit <= 0
}
