package ccontrol

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/qerr"
	"github.com/jhoblitt/qserv/pkg/qmeta"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// MergerDiscarder extends Merger with the ability to drop the merge
// table on discard.
type MergerDiscarder interface {
	Merger
	Discard(ctx context.Context) error
}

// QueryMetadata is the registration/status subset of *qmeta.Metadata
// UserQuerySelect depends on.
type QueryMetadata interface {
	RegisterQuery(ctx context.Context, queryID int64, sql string) error
	UpdateStatus(ctx context.Context, queryID int64, status qmeta.Status) error
	AddChunks(ctx context.Context, queryID int64, chunkIDs []int32) error
}

// UserQuerySelect is the SELECT-path user query: it owns the
// executive, merger, and query session for one submitted statement.
type UserQuerySelect struct {
	sessionID int64
	db        string
	qs        *qproc.QuerySession
	executive *Executive
	merger    MergerDiscarder
	meta      QueryMetadata
	factory   *qproc.TaskMsgFactory
	logger    *zap.Logger

	mu         sync.Mutex
	state      QueryState
	chunkSpecs []qproc.ChunkSpec
	errExtra   string
}

// NewUserQuerySelect constructs a UserQuerySelect. qs may already be
// invalid (analysis failed); the session stays constructable so
// getError() works through the handle-based API.
func NewUserQuerySelect(
	sessionID int64,
	db string,
	qs *qproc.QuerySession,
	executive *Executive,
	merger MergerDiscarder,
	meta QueryMetadata,
	factory *qproc.TaskMsgFactory,
	logger *zap.Logger,
) *UserQuerySelect {
	uq := &UserQuerySelect{
		sessionID: sessionID,
		db:        db,
		qs:        qs,
		executive: executive,
		merger:    merger,
		meta:      meta,
		factory:   factory,
		logger:    logger,
		state:     QueryPlanned,
	}
	if qs != nil && !qs.Valid() {
		uq.errExtra = qs.Error().Error()
	}
	return uq
}

// AddChunk appends spec; only valid in PLANNED.
func (u *UserQuerySelect) AddChunk(spec qproc.ChunkSpec) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != QueryPlanned {
		return qerr.NewFatal("addChunk called outside PLANNED state", nil)
	}
	u.chunkSpecs = append(u.chunkSpecs, spec)
	return nil
}

// Submit registers the query in metadata, builds one task message per
// ChunkSpec, and hands each off to the executive for dispatch. When
// analysis previously failed, submit is still callable but shard
// dispatch is skipped and the query moves straight to ERROR.
func (u *UserQuerySelect) Submit() error {
	u.mu.Lock()
	if u.state != QueryPlanned {
		u.mu.Unlock()
		return qerr.NewFatal("submit called more than once", nil)
	}

	if u.qs != nil && !u.qs.Valid() {
		u.state = QueryError
		u.mu.Unlock()
		return nil
	}

	specs := append([]qproc.ChunkSpec(nil), u.chunkSpecs...)
	u.state = QueryRunning
	u.mu.Unlock()

	ctx := context.Background()
	if u.meta != nil && u.qs != nil {
		if err := u.meta.RegisterQuery(ctx, u.sessionID, u.qs.OriginalSQL); err != nil {
			if u.logger != nil {
				u.logger.Error("qMetaRegister failed", zap.Error(err))
			}
		}
		chunkIDs := make([]int32, len(specs))
		for i, s := range specs {
			chunkIDs[i] = s.ChunkID
		}
		if err := u.meta.AddChunks(ctx, u.sessionID, chunkIDs); err != nil {
			if u.logger != nil {
				u.logger.Error("qMetaAddChunks failed", zap.Error(err))
			}
		}
	}

	for _, spec := range specs {
		msg := u.factory.Build(u.sessionID, u.db, spec)
		u.executive.Dispatch(ctx, msg)
	}
	return nil
}

// Join blocks until the executive reports all shard jobs terminal and
// returns the aggregated state.
func (u *UserQuerySelect) Join() QueryState {
	u.mu.Lock()
	state := u.state
	u.mu.Unlock()
	if state != QueryRunning {
		return state
	}

	final := u.executive.Join()

	u.mu.Lock()
	u.state = final
	if final == QueryError {
		if err := u.executive.FirstError(); err != nil {
			u.errExtra = err.Error()
		}
	}
	u.mu.Unlock()

	if u.meta != nil {
		status := qmeta.StatusCompleted
		switch final {
		case QueryError:
			status = qmeta.StatusFailed
		case QueryCancelled:
			status = qmeta.StatusAborted
		}
		_ = u.meta.UpdateStatus(context.Background(), u.sessionID, status)
	}
	return final
}

// Kill forces CANCELLED from any non-terminal state. The merger is not
// asked to roll back.
func (u *UserQuerySelect) Kill() {
	u.executive.Kill()
	u.mu.Lock()
	wasRunning := u.state == QueryRunning
	if u.state == QueryPlanned || u.state == QueryRunning {
		u.state = QueryCancelled
	}
	u.mu.Unlock()
	if wasRunning && u.meta != nil {
		_ = u.meta.UpdateStatus(context.Background(), u.sessionID, qmeta.StatusAborted)
	}
}

// Discard drops the merge table and releases delegates. A no-op if
// already discarded.
func (u *UserQuerySelect) Discard() error {
	u.mu.Lock()
	state := u.state
	u.mu.Unlock()
	if state == QueryPlanned || state == QueryRunning {
		return qerr.NewFatal("discard called before a terminal state", nil)
	}
	if u.merger == nil {
		return nil
	}
	err := u.merger.Discard(context.Background())
	u.merger = nil
	return err
}

// GetError returns the recorded error message: the analysis error, or,
// once Join has seen the query fail, the error of one failed shard job
// (see Executive.FirstError). Returns "" if none.
func (u *UserQuerySelect) GetError() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.errExtra
}

// GetExecDesc describes current execution state.
func (u *UserQuerySelect) GetExecDesc() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.String()
}

// GetProxyOrderBy passes through QuerySession's proxy ORDER BY clause.
func (u *UserQuerySelect) GetProxyOrderBy() string {
	if u.qs == nil {
		return ""
	}
	return u.qs.GetProxyOrderBy()
}
