package ccontrol

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// QueryState is the coordinator-observable lifecycle state of a
// UserQuery.
type QueryState int

const (
	QueryPlanned QueryState = iota
	QueryRunning
	QuerySuccess
	QueryError
	QueryCancelled
)

func (s QueryState) String() string {
	switch s {
	case QueryPlanned:
		return "PLANNED"
	case QueryRunning:
		return "RUNNING"
	case QuerySuccess:
		return "SUCCESS"
	case QueryError:
		return "ERROR"
	case QueryCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Dispatcher is the worker boundary the executive drives: ship msg to
// the worker owning msg.ChunkID and drive handler.Flush over the reply
// stream until it reaches a terminal state.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *qproc.TaskMsg, handler *MergingHandler) error
}

type jobState struct {
	chunkID int32
	handler *MergingHandler
	state   QueryState
}

// Executive is UserQuerySelect's dispatch delegate: it fans one
// UserQuery's per-chunk TaskMsgs out to Dispatcher, one goroutine per
// shard reply, and aggregates their terminal states for Join.
type Executive struct {
	dispatcher Dispatcher
	merger     Merger
	codec      *proto.Codec
	logger     *zap.Logger

	cancelled atomic.Bool

	mu   sync.Mutex
	jobs map[int64]*jobState
	wg   sync.WaitGroup
	next int64
}

// NewExecutive constructs an Executive dispatching through d and
// merging through merger.
func NewExecutive(d Dispatcher, merger Merger, codec *proto.Codec, logger *zap.Logger) *Executive {
	return &Executive{
		dispatcher: d,
		merger:     merger,
		codec:      codec,
		logger:     logger,
		jobs:       make(map[int64]*jobState),
	}
}

// Cancelled implements CancelChecker; MergingHandler consults this
// before every merge.
func (e *Executive) Cancelled() bool { return e.cancelled.Load() }

// Dispatch queues one shard fragment for delivery. It spawns the
// goroutine that drives the shard's MergingHandler and returns
// immediately; the caller waits for completion via Join.
func (e *Executive) Dispatch(ctx context.Context, msg *qproc.TaskMsg) int64 {
	handler := NewMergingHandler(e.merger, e, e.codec, e.logger)

	e.mu.Lock()
	e.next++
	jobID := e.next
	js := &jobState{chunkID: msg.ChunkID, handler: handler, state: QueryRunning}
	e.jobs[jobID] = js
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.dispatcher.Dispatch(ctx, msg, handler)
		if err != nil {
			// recorded on the handler so FirstError reports it too.
			handler.setError(err)
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		switch {
		case e.cancelled.Load():
			js.state = QueryCancelled
		case err != nil || handler.Error() != nil:
			js.state = QueryError
		default:
			js.state = QuerySuccess
		}
	}()

	return jobID
}

// Kill propagates cancel to every outstanding job. Idempotent.
func (e *Executive) Kill() {
	e.cancelled.Store(true)
}

// Join blocks until every dispatched shard job has reached a terminal
// state and returns the aggregated QueryState: CANCELLED if Kill was
// called, ERROR if any shard errored, else SUCCESS.
func (e *Executive) Join() QueryState {
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled.Load() {
		return QueryCancelled
	}
	for _, js := range e.jobs {
		if js.state == QueryError {
			return QueryError
		}
	}
	return QuerySuccess
}

// FirstError returns the error recorded by a failed job, or nil. When
// several jobs failed, which job's error is returned is not defined;
// it is not necessarily the earliest failure.
func (e *Executive) FirstError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, js := range e.jobs {
		if err := js.handler.Error(); err != nil {
			return err
		}
	}
	return nil
}
