package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 15 * time.Second
	defaultRetryBatch    = 100
)

// RequeueFunc receives steps whose scheduled retry time has arrived. The
// sweeper does not resume them itself; the owning runner decides how.
type RequeueFunc func(ctx context.Context, states []*StepState)

// Sweeper periodically fails expired external waits and surfaces
// retry-ready steps to a requeue callback.
type Sweeper struct {
	store      Store
	requeue    RequeueFunc
	onTimeouts func(expired int)
	interval   time.Duration
	batch      int
	logger     *zap.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped sync.WaitGroup
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the default 15s sweep interval.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetryBatch caps how many retry-ready steps one sweep hands to the
// requeue callback.
func WithRetryBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithTimeoutObserver registers a callback invoked with the number of
// external waits each sweep failed by timeout, e.g. to feed a metrics
// counter.
func WithTimeoutObserver(fn func(expired int)) SweeperOption {
	return func(s *Sweeper) { s.onTimeouts = fn }
}

// NewSweeper creates a stopped sweeper. A nil requeue callback disables
// retry collection; timeouts are still processed.
func NewSweeper(store Store, requeue RequeueFunc, logger *zap.Logger, opts ...SweeperOption) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		store:    store,
		requeue:  requeue,
		interval: defaultSweepInterval,
		batch:    defaultRetryBatch,
		logger:   logger.With(zap.String("component", "state_sweeper")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped.Add(1)
	go s.loop(ctx, s.stop)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.stopped.Wait()
}

func (s *Sweeper) loop(ctx context.Context, stop chan struct{}) {
	defer s.stopped.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. It is exported so callers can trigger a
// pass outside the timer, e.g. right after delivering an event.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.ProcessTimeouts(ctx)
	if err != nil {
		s.logger.Warn("processing external wait timeouts failed", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("expired external waits failed", zap.Int("count", expired))
		if s.onTimeouts != nil {
			s.onTimeouts(expired)
		}
	}

	if s.requeue == nil {
		return
	}
	ready, err := s.store.GetRetryReady(ctx, s.batch)
	if err != nil {
		s.logger.Warn("collecting retry-ready steps failed", zap.Error(err))
		return
	}
	if len(ready) > 0 {
		s.logger.Info("requeueing retry-ready steps", zap.Int("count", len(ready)))
		s.requeue(ctx, ready)
	}
}
