// Package lifecycle is the small process-lifetime helper used by the
// service entrypoints: named background tasks bound to a context that
// is cancelled on Stop.
package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Stopper runs named background tasks and cancels them together.
type Stopper struct {
	name   string
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStopper constructs a Stopper named for logging.
func NewStopper(name string, logger *zap.Logger) *Stopper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stopper{
		name:   name,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// RunNamedTask starts task in its own goroutine; task must return when
// its context is done.
func (s *Stopper) RunNamedTask(name string, task func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.logger != nil {
			s.logger.Info("task started", zap.String("stopper", s.name), zap.String("task", name))
		}
		task(s.ctx)
	}()
}

// Stop cancels every task's context and waits for them to return.
func (s *Stopper) Stop() {
	s.cancel()
	s.wg.Wait()
}
