package websocket

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
)

// handleCloseMessage removes the subscription for the label. An
// unknown label is silently ignored and no frame is sent either way.
func handleCloseMessage(c *websocket.Conn, env *nostr.CloseEnvelope) {
	label := string(*env)
	if removeListenerId(c, label) {
		logging.Debugf("Subscription %s closed", label)
	}
}
