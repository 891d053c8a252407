// Package wsched is the shard-aware scan scheduler: a two-level queue
// that groups pending work by shard so co-located scans share a
// sequential pass over shared tables, gated by the memory manager
// (memman) before admission.
package wsched

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/memman"
	"github.com/jhoblitt/qserv/pkg/wbase"
)

// Policy reports the scheduler-wide limits ChunkTasksQueue.Ready must
// respect when deciding whether to advance onto a new shard: the
// current count of shards considered "active" across the owning
// scheduler, the configured maximum, and whether a candidate chunk is
// already active elsewhere (so advancing onto it doesn't count as a
// new admission).
type Policy interface {
	ActiveChunkCount() int
	MaxActiveChunks() int
	ChunkAlreadyActive(chunkID int32) bool
}

// staticPolicy is the default Policy used when the caller does not
// need cross-scheduler coordination: a single fixed ceiling on active
// shards, self-reporting its own active count.
type staticPolicy struct {
	max int
	q   *ChunkTasksQueue
}

func (p *staticPolicy) ActiveChunkCount() int { return p.q.activeChunkCount() }
func (p *staticPolicy) MaxActiveChunks() int  { return p.max }
func (p *staticPolicy) ChunkAlreadyActive(chunkID int32) bool {
	return p.q.chunkIsActive(chunkID)
}

// ChunkTasksQueue is the shard-aware scan scheduler: an ordered
// mapping chunkId -> chunkTasks, an "active chunk" cursor into that
// mapping, and a cached ready chunk.
type ChunkTasksQueue struct {
	mu sync.Mutex

	mm     memman.MemMan
	policy Policy
	logger *zap.Logger

	chunkIDs  []int32
	chunkMap  map[int32]*chunkTasks
	activeIdx int // index into chunkIDs, -1 when invalid

	readyChunk *chunkTasks
	taskCount  int
}

// NewChunkTasksQueue constructs an empty scheduler bound to mm for
// page-lock admission. If maxActiveChunks <= 0 a default static policy
// of 1 active shard at a time is used (matching the "drain the active
// shard before advancing" design).
func NewChunkTasksQueue(mm memman.MemMan, maxActiveChunks int, logger *zap.Logger) *ChunkTasksQueue {
	if maxActiveChunks <= 0 {
		maxActiveChunks = 1
	}
	q := &ChunkTasksQueue{
		mm:        mm,
		chunkMap:  make(map[int32]*chunkTasks),
		activeIdx: -1,
		logger:    logger,
	}
	q.policy = &staticPolicy{max: maxActiveChunks, q: q}
	return q
}

// QueueTask admits t into its shard's chunkTasks, creating the shard
// entry if needed.
func (q *ChunkTasksQueue) QueueTask(t *wbase.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ct, ok := q.chunkMap[t.ChunkID]
	if !ok {
		ct = newChunkTasks(t.ChunkID)
		q.chunkMap[t.ChunkID] = ct
		q.insertChunkID(t.ChunkID)
	}
	ct.queTask(t)
	q.taskCount++
}

func (q *ChunkTasksQueue) insertChunkID(id int32) {
	idx := sort.Search(len(q.chunkIDs), func(i int) bool { return q.chunkIDs[i] >= id })
	if idx < len(q.chunkIDs) && q.activeIdx >= idx {
		q.activeIdx++
	}
	q.chunkIDs = append(q.chunkIDs, 0)
	copy(q.chunkIDs[idx+1:], q.chunkIDs[idx:])
	q.chunkIDs[idx] = id
}

// Ready implements the admission algorithm: caches and returns true
// as soon as a shard has a task whose memory handle is resident;
// returns false (without skipping a memory-starved shard) on
// NO_RESOURCES; advances the active-chunk cursor, respecting the
// active-shard-count policy, while shards report NOT_READY.
func (q *ChunkTasksQueue) Ready(ctx context.Context, flex bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readyLocked(ctx, flex)
}

func (q *ChunkTasksQueue) readyLocked(ctx context.Context, flex bool) bool {
	if q.readyChunk != nil {
		return true
	}
	if len(q.chunkIDs) == 0 {
		return false
	}
	if q.activeIdx < 0 || q.activeIdx >= len(q.chunkIDs) {
		q.activeIdx = 0
		q.chunkMap[q.chunkIDs[0]].setActive(true)
	}

	// Check the active chunk for a runnable task.
	active := q.chunkMap[q.chunkIDs[q.activeIdx]]
	state, err := active.ready(ctx, q.mm, flex)
	if err != nil {
		if q.logger != nil {
			q.logger.Error("chunkTasks.ready failed", zap.Int32("chunkId", active.chunkID), zap.Error(err))
		}
		return false
	}
	if state == stateReady {
		q.readyChunk = active
		return true
	}

	// Should the active chunk be advanced? Dropping the active flag
	// releases any deferred arrivals back onto the heap, so the chunk
	// may become runnable again before the scan below revisits it.
	if active.readyToAdvance() {
		oldIdx := q.activeIdx
		active.setActive(false)
		if active.empty() {
			q.removeChunkAt(oldIdx)
			if len(q.chunkIDs) == 0 {
				q.activeIdx = -1
				return false
			}
			q.activeIdx = oldIdx % len(q.chunkIDs)
		} else {
			q.activeIdx = (oldIdx + 1) % len(q.chunkIDs)
		}
		next := q.chunkMap[q.chunkIDs[q.activeIdx]]
		next.movePendingToActive()
		next.setActive(true)
	}

	// Scan forward from the active chunk, with wrap, until READY or
	// NO_RESOURCES. Chunks passed over keep their flags; only the
	// cursor's chunk is marked active.
	idx := q.activeIdx
	cur := q.chunkMap[q.chunkIDs[idx]]
	state, err = cur.ready(ctx, q.mm, flex)
	for err == nil && state != stateReady && state != stateNoResources {
		idx = (idx + 1) % len(q.chunkIDs)
		if idx == q.activeIdx {
			return false
		}
		if q.policy.ActiveChunkCount() >= q.policy.MaxActiveChunks() &&
			!q.policy.ChunkAlreadyActive(q.chunkIDs[idx]) {
			return false
		}
		cur = q.chunkMap[q.chunkIDs[idx]]
		state, err = cur.ready(ctx, q.mm, flex)
	}
	if err != nil {
		if q.logger != nil {
			q.logger.Error("chunkTasks.ready failed", zap.Int32("chunkId", cur.chunkID), zap.Error(err))
		}
		return false
	}
	if state == stateNoResources {
		// Skipping past a memory-starved chunk would fan page locks
		// out across too many shards.
		return false
	}
	q.readyChunk = cur
	return true
}

// removeChunkAt deletes the shard at chunkIDs[idx] from both the
// ordered slice and the map.
func (q *ChunkTasksQueue) removeChunkAt(idx int) {
	id := q.chunkIDs[idx]
	delete(q.chunkMap, id)
	q.chunkIDs = append(q.chunkIDs[:idx], q.chunkIDs[idx+1:]...)
	if q.activeIdx > idx {
		q.activeIdx--
	}
}

// GetTask calls Ready, then pops the cached ready chunk's ready task.
func (q *ChunkTasksQueue) GetTask(ctx context.Context, flex bool) (*wbase.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.readyLocked(ctx, flex) {
		return nil, false
	}
	ct := q.readyChunk
	q.readyChunk = nil
	t := ct.getTask()
	if t == nil {
		return nil, false
	}
	q.taskCount--
	return t, true
}

// TaskComplete moves t out of its shard's in-flight set.
func (q *ChunkTasksQueue) TaskComplete(t *wbase.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ct, ok := q.chunkMap[t.ChunkID]
	if !ok {
		return
	}
	ct.taskComplete(t)
}

// RemoveTask tries to erase t before it reaches in-flight. Returns
// (t, true) if removed, (nil, false) if not found (including the case
// where t is already in flight; those must run to completion).
func (q *ChunkTasksQueue) RemoveTask(t *wbase.Task) (*wbase.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ct, ok := q.chunkMap[t.ChunkID]
	if !ok {
		return nil, false
	}
	if ct.removeTask(t) {
		q.taskCount--
		return t, true
	}
	return nil, false
}

func (q *ChunkTasksQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.taskCount == 0
}

// NextTaskDifferentChunkID reports whether the next task Ready/GetTask
// would return belongs to a different shard than the one currently
// cursor-active, useful for runner-slot placement heuristics.
func (q *ChunkTasksQueue) NextTaskDifferentChunkID(ctx context.Context, flex bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.readyLocked(ctx, flex) {
		return false
	}
	if q.activeIdx < 0 {
		return false
	}
	return q.readyChunk.chunkID != q.chunkIDs[q.activeIdx]
}

// TaskCount returns the number of queued tasks not yet handed out:
// QueueTask increments it, GetTask and a successful RemoveTask
// decrement it. Tasks in flight are not counted.
func (q *ChunkTasksQueue) TaskCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.taskCount
}

func (q *ChunkTasksQueue) activeChunkCount() int {
	n := 0
	for _, ct := range q.chunkMap {
		if ct.active {
			n++
		}
	}
	return n
}

func (q *ChunkTasksQueue) chunkIsActive(chunkID int32) bool {
	ct, ok := q.chunkMap[chunkID]
	return ok && ct.active
}
