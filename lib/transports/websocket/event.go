package websocket

import (
	"github.com/gofiber/contrib/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	lib_nostr "github.com/healthnote-storage/healthnote-relay/lib/handlers/nostr"
)

func handleEventMessage(c *websocket.Conn, env *nostr.EventEnvelope) {
	var json = jsoniter.ConfigCompatibleWithStandardLibrary

	conn := getConnection(c)
	if conn == nil {
		return
	}

	handler := lib_nostr.GetHandler("publish")
	if handler == nil {
		write := makeWriter(c)
		write("OK", env.Event.ID, false, "error: publish handler not configured")
		return
	}

	read := func() ([]byte, error) {
		return json.Marshal(env)
	}

	handler(conn.ctx, read, makeWriter(c))
}
