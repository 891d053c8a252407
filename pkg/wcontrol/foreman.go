// Package wcontrol is the worker-side control layer: the session that
// receives dispatched task messages, the foreman that runs a pool of
// scan-slot runners pulling from the shard scan scheduler, and the
// runner that executes fragment queries and streams framed replies.
package wcontrol

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/memman"
	"github.com/jhoblitt/qserv/pkg/wbase"
	"github.com/jhoblitt/qserv/pkg/wsched"
)

// TaskRunner executes one admitted scan task, streaming its framed
// reply to the task's Reply writer.
type TaskRunner interface {
	RunTask(ctx context.Context, t *wbase.Task) error
}

// Foreman owns the worker's scan slots: an ants.Pool of runner
// goroutines, each looping over ChunkTasksQueue.GetTask. The scheduler
// itself owns no condition variable; the foreman does, and wakes the
// slots whenever a task is queued or completed.
type Foreman struct {
	sched  *wsched.ChunkTasksQueue
	runner TaskRunner
	mm     memman.MemMan
	logger *zap.Logger

	pool  *ants.Pool
	slots int

	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool
	wg      sync.WaitGroup
}

// NewForeman constructs a Foreman with the given number of concurrent
// scan slots.
func NewForeman(sched *wsched.ChunkTasksQueue, runner TaskRunner, mm memman.MemMan, slots int, logger *zap.Logger) (*Foreman, error) {
	if slots <= 0 {
		slots = 1
	}
	pool, err := ants.NewPool(slots)
	if err != nil {
		return nil, err
	}
	f := &Foreman{
		sched:  sched,
		runner: runner,
		mm:     mm,
		logger: logger,
		pool:   pool,
		slots:  slots,
	}
	f.cond = sync.NewCond(&f.mu)
	return f, nil
}

// Scheduler exposes the underlying scan scheduler; the session uses it
// for task removal on cancellation.
func (f *Foreman) Scheduler() *wsched.ChunkTasksQueue { return f.sched }

// Start launches one runner loop per scan slot.
func (f *Foreman) Start() error {
	for i := 0; i < f.slots; i++ {
		f.wg.Add(1)
		if err := f.pool.Submit(f.runLoop); err != nil {
			f.wg.Done()
			return err
		}
	}
	return nil
}

// Queue admits t into the scheduler and wakes a scan slot.
func (f *Foreman) Queue(t *wbase.Task) {
	f.sched.QueueTask(t)
	f.notify()
}

// Remove erases t from the scheduler if it has not reached in-flight,
// releasing any memory handle it already acquired. Reports whether the
// task was removed.
func (f *Foreman) Remove(t *wbase.Task) bool {
	if _, ok := f.sched.RemoveTask(t); ok {
		f.mm.Release(t.MemHandle)
		t.MemHandle = 0
		return true
	}
	return false
}

func (f *Foreman) notify() {
	f.mu.Lock()
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *Foreman) runLoop() {
	defer f.wg.Done()
	ctx := context.Background()
	for {
		t := f.next(ctx)
		if t == nil {
			return
		}
		if !t.Cancelled() {
			if err := f.runner.RunTask(ctx, t); err != nil && f.logger != nil {
				f.logger.Error("task failed",
					zap.Int64("queryId", t.QueryID),
					zap.Int64("jobId", t.JobID),
					zap.Int32("chunkId", t.ChunkID),
					zap.Error(err))
			}
		}
		f.mm.Release(t.MemHandle)
		t.MemHandle = 0
		f.sched.TaskComplete(t)
		// completion may free pages that admit the next shard.
		f.notify()
	}
}

// next blocks until a task is admissible or the foreman is stopped.
func (f *Foreman) next(ctx context.Context) *wbase.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.stopped {
			return nil
		}
		if t, ok := f.sched.GetTask(ctx, false); ok {
			return t
		}
		f.cond.Wait()
	}
}

// Stop wakes every slot, waits for in-flight tasks to finish, and
// releases the pool.
func (f *Foreman) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.cond.Broadcast()
	f.mu.Unlock()
	f.wg.Wait()
	f.pool.Release()
}
