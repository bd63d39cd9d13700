package websocket

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	lib_nostr "github.com/healthnote-storage/healthnote-relay/lib/handlers/nostr"
)

// handleReqMessage installs (or replaces) the subscription, replays
// the stored backlog through the filter handler, and only then flips
// the subscription live. Because the end-of-stored-events frame is
// queued before the flip, every backlog frame precedes the sentinel
// and every live frame follows it.
func handleReqMessage(c *websocket.Conn, env *nostr.ReqEnvelope) {
	var json = jsoniter.ConfigCompatibleWithStandardLibrary

	conn := getConnection(c)
	if conn == nil {
		return
	}

	handler := lib_nostr.GetHandler("filter")
	if handler == nil {
		return
	}

	ctx, cancel := context.WithCancel(conn.ctx)
	sub := setListener(c, env.SubscriptionID, env.Filters, cancel)
	if sub == nil {
		cancel()
		return
	}

	read := func() ([]byte, error) {
		return json.Marshal(env)
	}

	handler(ctx, read, makeWriter(c))

	if ctx.Err() == nil {
		sub.live.Store(true)
	}
}
