package websocket

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
)

// buildOutFrame converts a handler's (messageType, params...) call
// into a queued protocol frame. Stored events replayed for a REQ are
// backlog frames; OK, EOSE and NOTICE are control frames.
func buildOutFrame(messageType string, params ...interface{}) (outFrame, bool) {
	switch messageType {
	case "EVENT":
		if len(params) < 2 {
			return outFrame{}, false
		}
		label, ok := params[0].(string)
		if !ok {
			return outFrame{}, false
		}
		event, ok := params[1].(*nostr.Event)
		if !ok {
			return outFrame{}, false
		}
		subID := label
		return outFrame{
			kind:  frameBacklog,
			label: label,
			env:   nostr.EventEnvelope{SubscriptionID: &subID, Event: *event},
		}, true

	case "EOSE":
		if len(params) < 1 {
			return outFrame{}, false
		}
		label, ok := params[0].(string)
		if !ok {
			return outFrame{}, false
		}
		return outFrame{kind: frameControl, env: nostr.EOSEEnvelope(label)}, true

	case "OK":
		if len(params) < 2 {
			return outFrame{}, false
		}
		eventID, ok := params[0].(string)
		if !ok {
			return outFrame{}, false
		}
		success, ok := params[1].(bool)
		if !ok {
			return outFrame{}, false
		}
		var reason string
		if len(params) > 2 {
			if msg, ok := params[2].(string); ok {
				reason = msg
			}
		}
		return outFrame{
			kind: frameControl,
			env:  nostr.OKEnvelope{EventID: eventID, OK: success, Reason: reason},
		}, true

	case "NOTICE":
		if len(params) < 1 {
			return outFrame{}, false
		}
		msg, ok := params[0].(string)
		if !ok {
			return outFrame{}, false
		}
		return outFrame{kind: frameControl, env: nostr.NoticeEnvelope(msg)}, true
	}

	logging.Infof("Unhandled outbound message type: %s", messageType)
	return outFrame{}, false
}

// makeWriter builds the KindWriter handed to command handlers: every
// frame a handler emits goes through this connection's bounded queue.
func makeWriter(ws *websocket.Conn) func(messageType string, params ...interface{}) {
	return func(messageType string, params ...interface{}) {
		conn := getConnection(ws)
		if conn == nil {
			return
		}
		if frame, ok := buildOutFrame(messageType, params...); ok {
			conn.enqueue(frame)
		}
	}
}
