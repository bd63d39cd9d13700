package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
)

// All open connections, keyed by their transport handle.
var connections = xsync.NewMapOf[*websocket.Conn, *connection]()

var connIDCounter atomic.Uint64

// Buffered channel for accepted-event fan-out. Events are queued here
// by BroadcastEvent and delivered by a single dedicated goroutine, so
// live frames reach every connection in global acceptance order.
var notificationChan = make(chan nostr.Event, 1000)

var (
	notificationProcessorOnce sync.Once
	shutdownChan              = make(chan struct{})
	shutdownOnce              sync.Once
)

// newConnection registers a connection and starts its writer goroutine.
func newConnection(ctx context.Context, ws *websocket.Conn, maxQueue int) *connection {
	conn := &connection{
		ws:            ws,
		id:            connIDCounter.Add(1),
		ctx:           ctx,
		wake:          make(chan struct{}, 1),
		maxQueue:      maxQueue,
		subscriptions: xsync.NewMapOf[string, *Subscription](),
	}
	connections.Store(ws, conn)
	go conn.writeLoop()
	return conn
}

func getConnection(ws *websocket.Conn) *connection {
	conn, _ := connections.Load(ws)
	return conn
}

// teardown removes the connection and cancels all of its
// subscriptions. Safe to call more than once.
func teardown(ws *websocket.Conn) {
	conn, ok := connections.LoadAndDelete(ws)
	if !ok {
		return
	}
	conn.subscriptions.Range(func(id string, sub *Subscription) bool {
		sub.cancel()
		return true
	})

	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()
	conn.signal()
}

// setListener installs (or atomically replaces) the subscription for a
// label on this connection. A replaced subscription's backlog stream is
// cancelled; the new one starts out not live.
func setListener(ws *websocket.Conn, id string, filters nostr.Filters, cancel context.CancelFunc) *Subscription {
	conn := getConnection(ws)
	if conn == nil {
		return nil
	}

	sub := &Subscription{filters: filters, cancel: cancel}
	if old, ok := conn.subscriptions.LoadAndStore(id, sub); ok {
		old.cancel()
	}
	return sub
}

// removeListenerId drops a subscription by label. Unknown labels are
// silently ignored.
func removeListenerId(ws *websocket.Conn, id string) bool {
	conn := getConnection(ws)
	if conn == nil {
		return false
	}
	if sub, ok := conn.subscriptions.LoadAndDelete(id); ok {
		sub.cancel()
		return true
	}
	return false
}

// StartNotificationProcessor starts the fan-out goroutine. Safe to
// call multiple times; only starts once.
func StartNotificationProcessor() {
	notificationProcessorOnce.Do(func() {
		go func() {
			for {
				select {
				case event := <-notificationChan:
					processNotification(&event)
				case <-shutdownChan:
					// Drain what is already queued, then exit
					for {
						select {
						case event := <-notificationChan:
							processNotification(&event)
						default:
							return
						}
					}
				}
			}
		}()
		logging.Info("Live fan-out processor started")
	})
}

// StopNotificationProcessor signals the fan-out goroutine to drain and
// exit during shutdown.
func StopNotificationProcessor() {
	shutdownOnce.Do(func() {
		close(shutdownChan)
	})
}

// broadcastStallTimeout bounds how long a publish waits for the
// fan-out channel before giving up on live delivery.
const broadcastStallTimeout = 500 * time.Millisecond

// BroadcastEvent queues an accepted event for delivery to every live
// subscription whose filters match. When the channel stays full past
// the stall timeout the notification is dropped and every affected
// subscription gets a NOTICE, so clients know to re-query the gap.
func BroadcastEvent(event *nostr.Event) {
	select {
	case notificationChan <- *event:
		return
	default:
	}

	select {
	case notificationChan <- *event:
	case <-time.After(broadcastStallTimeout):
		logging.Warnf("Notification channel full, dropping fan-out for event %s", event.ID)
		notifyFanoutGap(event)
	}
}

// notifyFanoutGap queues a NOTICE on every connection with a live
// subscription that would have matched the dropped event.
func notifyFanoutGap(event *nostr.Event) {
	connections.Range(func(_ *websocket.Conn, conn *connection) bool {
		conn.subscriptions.Range(func(id string, sub *Subscription) bool {
			if sub.live.Load() && sub.filters.Match(event) {
				conn.enqueue(outFrame{
					kind: frameControl,
					env:  nostr.NoticeEnvelope("fan-out overloaded: dropped live event for subscription " + id),
				})
			}
			return true
		})
		return true
	})
}

// processNotification fans one accepted event out to every matching
// live subscription. Runs only on the dedicated fan-out goroutine.
func processNotification(event *nostr.Event) {
	connections.Range(func(ws *websocket.Conn, conn *connection) bool {
		conn.subscriptions.Range(func(id string, sub *Subscription) bool {
			if !sub.live.Load() || !sub.filters.Match(event) {
				return true
			}
			subID := id
			conn.enqueue(outFrame{
				kind:  frameLive,
				label: subID,
				env:   nostr.EventEnvelope{SubscriptionID: &subID, Event: *event},
			})
			return true
		})
		return true
	})
}

// enqueue appends a frame to the bounded outbound queue. On overflow
// backlog frames are shed oldest first (live and control frames are
// never shed) until there is room for the frame plus one NOTICE about
// what was dropped; if that room cannot be made the connection is
// marked closing and a final NOTICE is queued. The queue never grows
// past maxQueue except for that final flush.
func (conn *connection) enqueue(f outFrame) bool {
	conn.mu.Lock()

	if conn.closed || conn.closing {
		conn.mu.Unlock()
		return false
	}

	if len(conn.queue) >= conn.maxQueue {
		var label string
		shed := 0
		for len(conn.queue) > conn.maxQueue-2 {
			l, ok := conn.shedOldestBacklogLocked()
			if !ok {
				break
			}
			label = l
			shed++
		}
		if len(conn.queue) > conn.maxQueue-2 {
			conn.closing = true
			conn.queue = append(conn.queue, outFrame{
				kind: frameControl,
				env:  nostr.NoticeEnvelope("slow consumer: closing connection"),
			})
			conn.mu.Unlock()
			conn.signal()
			return false
		}
		conn.queue = append(conn.queue, outFrame{
			kind: frameControl,
			env:  nostr.NoticeEnvelope(fmt.Sprintf("slow consumer: dropped %d stored events for subscription %s", shed, label)),
		})
	}

	conn.queue = append(conn.queue, f)
	conn.mu.Unlock()
	conn.signal()
	return true
}

// shedOldestBacklogLocked removes the oldest backlog frame from the
// queue and reports which subscription lost it. Caller holds mu.
func (conn *connection) shedOldestBacklogLocked() (string, bool) {
	for i, f := range conn.queue {
		if f.kind == frameBacklog {
			label := f.label
			conn.queue = append(conn.queue[:i], conn.queue[i+1:]...)
			return label, true
		}
	}
	return "", false
}

func (conn *connection) signal() {
	select {
	case conn.wake <- struct{}{}:
	default:
	}
}

// writeLoop is the only goroutine that touches the transport's write
// side. It drains the queue in FIFO order and closes the socket once a
// closing connection has flushed its final frames.
func (conn *connection) writeLoop() {
	for {
		conn.mu.Lock()
		var frame *outFrame
		if len(conn.queue) > 0 {
			frame = &conn.queue[0]
			conn.queue = conn.queue[1:]
		}
		closing := conn.closing
		closed := conn.closed
		conn.mu.Unlock()

		if frame != nil {
			if err := conn.ws.WriteJSON(frame.env); err != nil {
				logging.Debugf("Connection %d write failed: %v", conn.id, err)
				teardown(conn.ws)
				return
			}
			continue
		}

		if closed {
			return
		}
		if closing {
			// Final NOTICE has been flushed
			conn.ws.Close()
			teardown(conn.ws)
			return
		}

		select {
		case <-conn.wake:
		case <-conn.ctx.Done():
			return
		}
	}
}
