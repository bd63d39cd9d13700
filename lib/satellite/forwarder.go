package satellite

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
	"github.com/healthnote-storage/healthnote-relay/lib/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ForwardTask is one private event to deliver to a satellite node.
type ForwardTask struct {
	Event *nostr.Event
	Node  types.SatelliteNode

	// OnFailure runs after the retry budget is exhausted, so the
	// originating connection can be sent a notice if still open.
	OnFailure func(reason string)
}

// Forwarder delivers private events to satellite nodes asynchronously.
// Delivery failures are retried with exponential backoff until a
// wall-clock ceiling is hit, after which the event is dropped and the
// task's failure callback fires.
type Forwarder struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *ForwardTask
	client *http.Client

	retryCeiling time.Duration
	wg           sync.WaitGroup
}

const forwardQueueSize = 64

// NewForwarder builds a forwarder with the given retry ceiling. Call
// Start before enqueueing and Stop on shutdown.
func NewForwarder(retryCeiling time.Duration) *Forwarder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan *ForwardTask, forwardQueueSize),
		client:       &http.Client{Timeout: 10 * time.Second},
		retryCeiling: retryCeiling,
	}
}

// Start launches the delivery worker.
func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.run()
}

// Stop cancels in-flight deliveries and waits for the worker to exit.
func (f *Forwarder) Stop() {
	f.cancel()
	f.wg.Wait()
}

// Enqueue hands an event off for asynchronous delivery. Returns false
// when the queue is full or the forwarder is shutting down; the caller
// decides whether that warrants a notice.
func (f *Forwarder) Enqueue(task *ForwardTask) bool {
	select {
	case f.queue <- task:
		return true
	case <-f.ctx.Done():
		return false
	default:
		logging.Warnf("Forward queue full, dropping event %s", task.Event.ID)
		return false
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	for {
		select {
		case task := <-f.queue:
			f.deliver(task)
		case <-f.ctx.Done():
			return
		}
	}
}

// deliver posts the event to the node, retrying with doubling delays
// (1s, 2s, 4s, …) until success or until the wall clock passes the
// ceiling measured from the first attempt.
func (f *Forwarder) deliver(task *ForwardTask) {
	deadline := time.Now().Add(f.retryCeiling)
	delay := time.Second

	for attempt := 1; ; attempt++ {
		err := f.post(task.Node.URL, task.Event)
		if err == nil {
			logging.Infof("Forwarded event %s to satellite %s", task.Event.ID, task.Node.URL)
			return
		}

		logging.Warnf("Forward attempt %d for event %s to %s failed: %v",
			attempt, task.Event.ID, task.Node.URL, err)

		if time.Now().Add(delay).After(deadline) {
			reason := fmt.Sprintf("satellite %s unreachable, event %s dropped after %d attempts",
				task.Node.URL, task.Event.ID, attempt)
			logging.Errorf("%s", reason)
			if task.OnFailure != nil {
				task.OnFailure(reason)
			}
			return
		}

		select {
		case <-time.After(delay):
		case <-f.ctx.Done():
			return
		}
		delay *= 2
	}
}

func (f *Forwarder) post(nodeURL string, ev *nostr.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(f.ctx, http.MethodPost, nodeURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("satellite returned status %d", resp.StatusCode)
	}
	return nil
}
