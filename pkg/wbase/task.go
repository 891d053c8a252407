// Package wbase defines the worker-side unit of work, Task, and the
// scan metadata attached to it.
package wbase

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/jhoblitt/qserv/pkg/memman"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// TableInfo names one table a task will read, with a scan-rate class.
// Lower ScanRating means slower to scan, hence higher dispatch priority.
type TableInfo struct {
	Db         string
	Table      string
	ScanRating int32
}

// ScanInfo is the set of tables one task will read, in scan order.
type ScanInfo struct {
	InfoTables []TableInfo
}

// ScanRating returns the slowest (lowest) rating among the task's
// tables, or a large sentinel when the task reads no tables; such a
// task still dispatches.
func (s ScanInfo) ScanRating() int32 {
	if len(s.InfoTables) == 0 {
		return int32(1<<31 - 1)
	}
	min := s.InfoTables[0].ScanRating
	for _, t := range s.InfoTables[1:] {
		if t.ScanRating < min {
			min = t.ScanRating
		}
	}
	return min
}

// Task is one shard's fragment of a dispatched user query, queued on
// the worker's scan scheduler.
type Task struct {
	QueryID   int64
	JobID     int64
	ChunkID   int32
	ScanInfo  ScanInfo
	EntryTime time.Time
	MemHandle memman.Handle

	// Fragments are the rendered query fragments this task executes, in
	// chain order, as carried by the dispatching TaskMsg.
	Fragments []qproc.Fragment

	// Reply is where the runner streams the framed response. Set by the
	// worker session before queueing; nil for tasks that never reached a
	// session (tests).
	Reply io.Writer

	cancelled atomic.Bool
}

// NewTask constructs a Task with EntryTime set to now and no memory
// handle attached yet.
func NewTask(queryID, jobID int64, chunkID int32, scanInfo ScanInfo) *Task {
	return &Task{
		QueryID:   queryID,
		JobID:     jobID,
		ChunkID:   chunkID,
		ScanInfo:  scanInfo,
		EntryTime: time.Now(),
	}
}

// Cancel marks the task cancelled. Idempotent.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Less implements the total ordering among tasks of the same shard:
// scan-rate class ascending (slowest tables first), then entry time
// ascending (FIFO within a class).
func Less(a, b *Task) bool {
	ra, rb := a.ScanInfo.ScanRating(), b.ScanInfo.ScanRating()
	if ra != rb {
		return ra < rb
	}
	return a.EntryTime.Before(b.EntryTime)
}
