package sweeper

import (
	"context"
	"time"

	"github.com/healthnote-storage/healthnote-relay/lib/logging"
	"github.com/healthnote-storage/healthnote-relay/lib/stores"
)

// Sweeper periodically removes events whose expires_at has passed.
// Subscribers are not notified; they observe the absence on later
// queries.
type Sweeper struct {
	store    stores.Store
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(store stores.Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start runs one sweep immediately, then sweeps on every tick until
// Stop is called.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sweep()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()

	logging.Infof("Expiry sweeper started (interval %s)", s.interval)
}

// Stop halts the sweep loop and waits for any in-progress sweep to
// finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sweeper) sweep() {
	deleted, err := s.store.DeleteExpiredEvents(time.Now())
	if err != nil {
		logging.Errorf("Expiry sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		logging.Debugf("Expiry sweep deleted %d events", deleted)
	}
}
