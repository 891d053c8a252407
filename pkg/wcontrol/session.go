package wcontrol

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/qerr"
	"github.com/jhoblitt/qserv/pkg/qproc"
	"github.com/jhoblitt/qserv/pkg/wbase"
)

// Validator decides whether this worker serves a request's resource
// path, rejecting shards it does not own.
type Validator interface {
	Accept(resource string) bool
}

// ChunkResourceName renders the resource path a task message addresses.
func ChunkResourceName(db string, chunkID int32) string {
	return fmt.Sprintf("/chk/%s/%d", db, chunkID)
}

// ChunkSetValidator accepts any db for a fixed set of owned chunk ids.
type ChunkSetValidator struct {
	chunks map[int32]struct{}
}

// NewChunkSetValidator constructs a validator owning exactly chunkIDs.
func NewChunkSetValidator(chunkIDs []int32) *ChunkSetValidator {
	v := &ChunkSetValidator{chunks: make(map[int32]struct{}, len(chunkIDs))}
	for _, id := range chunkIDs {
		v.chunks[id] = struct{}{}
	}
	return v
}

func (v *ChunkSetValidator) Accept(resource string) bool {
	parts := strings.Split(resource, "/")
	// expect ["", "chk", db, chunkId]
	if len(parts) != 4 || parts[1] != "chk" || parts[2] == "" {
		return false
	}
	id, err := strconv.ParseInt(parts[3], 10, 32)
	if err != nil {
		return false
	}
	_, ok := v.chunks[int32(id)]
	return ok
}

// ScanSource supplies the scan metadata (tables plus scan-rate
// classes) for a shard. The worker derives this from its own table
// inventory; the chunk metadata catalog itself is an external
// collaborator.
type ScanSource interface {
	ScanInfoFor(db string, chunkID int32) wbase.ScanInfo
}

// StaticScanSource returns the same table list for every shard of a
// db, the common case for a worker whose shards share one schema.
type StaticScanSource struct {
	Tables []wbase.TableInfo
}

func (s *StaticScanSource) ScanInfoFor(db string, chunkID int32) wbase.ScanInfo {
	tables := make([]wbase.TableInfo, 0, len(s.Tables))
	for _, t := range s.Tables {
		if t.Db == "" || t.Db == db {
			tables = append(tables, wbase.TableInfo{Db: db, Table: t.Table, ScanRating: t.ScanRating})
		}
	}
	return wbase.ScanInfo{InfoTables: tables}
}

// Session owns the tasks materialized from one transport session's
// requests. The task list is guarded by a single lock; the session's
// cancelled flag is atomic and, once set, makes ProcessRequest refuse
// new requests. Running tasks check their own per-task cancel flag,
// which the runner reads before each fragment and each row.
type Session struct {
	foreman   *Foreman
	validator Validator
	scan      ScanSource
	logger    *zap.Logger

	jobSeq    atomic.Int64
	cancelled atomic.Bool

	mu    sync.Mutex
	tasks []*wbase.Task
}

// NewSession constructs a Session dispatching into foreman.
func NewSession(foreman *Foreman, validator Validator, scan ScanSource, logger *zap.Logger) *Session {
	return &Session{
		foreman:   foreman,
		validator: validator,
		scan:      scan,
		logger:    logger,
	}
}

// ProcessRequest validates the request's resource path, materializes a
// Task from msg, pushes it onto the scan scheduler, and returns
// immediately. reply receives the task's framed response stream;
// timeout, when positive, is applied as a write deadline if reply
// supports one (the transport layer otherwise enforces timeouts).
func (s *Session) ProcessRequest(msg *qproc.TaskMsg, reply io.Writer, timeout time.Duration) error {
	if s.cancelled.Load() {
		return qerr.NewCancelled("session unprovisioned")
	}
	resource := ChunkResourceName(msg.Db, msg.ChunkID)
	if s.validator != nil && !s.validator.Accept(resource) {
		return qerr.NewNotFound("unknown resource " + resource)
	}

	t := wbase.NewTask(msg.Session, s.jobSeq.Add(1), msg.ChunkID, s.scan.ScanInfoFor(msg.Db, msg.ChunkID))
	t.Fragments = msg.Fragments
	t.Reply = reply
	if timeout > 0 {
		if d, ok := reply.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = d.SetWriteDeadline(time.Now().Add(timeout))
		}
	}

	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	s.foreman.Queue(t)
	if s.logger != nil {
		s.logger.Debug("task queued",
			zap.Int64("queryId", t.QueryID),
			zap.Int64("jobId", t.JobID),
			zap.Int32("chunkId", t.ChunkID))
	}
	return nil
}

// RequestFinished is called when the transport reports the request
// done. With cancel set, every task from this session is marked
// cancelled and still-queued ones are removed from the scheduler;
// tasks already in flight stay owned by the session and stop at the
// runner's next cancellation check without sending further frames.
func (s *Session) RequestFinished(cancel bool) {
	if !cancel {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		t.Cancel()
		if s.foreman.Remove(t) {
			continue
		}
		kept = append(kept, t)
	}
	s.tasks = kept
}

// Unprovision severs the session: no further requests are accepted and
// every owned task is cancelled.
func (s *Session) Unprovision(forced bool) {
	s.cancelled.Store(true)
	s.RequestFinished(true)
	if forced {
		s.mu.Lock()
		s.tasks = nil
		s.mu.Unlock()
	}
}

// TaskCount reports how many tasks the session still owns.
func (s *Session) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
