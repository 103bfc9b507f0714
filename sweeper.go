package querygate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Mousten/mcp-bigquery-v1-sub000/logger"
)

const DefaultSweepInterval = 10 * time.Minute

// Sweeper periodically deletes expired query cache entries.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type SweeperOption func(*Sweeper)

func WithSweepLogger(l logger.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSweeper(e *Engine, interval time.Duration, opts ...SweeperOption) (*Sweeper, error) {
	if e == nil {
		return nil, errors.New("engine is required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{engine: e, interval: interval, logger: e.logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop. Calling it on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				_, _ = s.SweepNow(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for it, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// SweepNow runs one sweep immediately.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	n, err := s.engine.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("cache sweep failed", "error", err)
		return 0, err
	}
	if n > 0 {
		s.logger.Info("cache sweep removed expired entries", "count", n)
	}
	return n, nil
}
