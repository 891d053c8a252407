package wsched

import (
	"container/heap"
	"context"

	"github.com/jhoblitt/qserv/pkg/memman"
	"github.com/jhoblitt/qserv/pkg/qerr"
	"github.com/jhoblitt/qserv/pkg/wbase"
)

// readyState is the outcome of chunkTasks.ready: READY, NOT_READY, or
// NO_RESOURCES.
type readyState int

const (
	stateReady readyState = iota
	stateNotReady
	stateNoResources
)

// chunkTasks is the per-shard queue state: a priority heap of pending
// tasks for one chunk, a FIFO of tasks queued while the chunk is
// active (to avoid livelock on a hot shard), and the set of in-flight
// tasks. Has no lock of its own; relies on the owning
// ChunkTasksQueue's mutex.
type chunkTasks struct {
	chunkID         int32
	activeTasks     slowTableHeap
	pendingTasks    []*wbase.Task
	inFlightTasks   map[*wbase.Task]struct{}
	active          bool
	readyTask       *wbase.Task
	resourceStarved bool
}

func newChunkTasks(chunkID int32) *chunkTasks {
	return &chunkTasks{
		chunkID:       chunkID,
		inFlightTasks: make(map[*wbase.Task]struct{}),
	}
}

// queTask queues t for this chunk. While the chunk is the scheduler's
// active chunk, new arrivals go to the pending FIFO so the scheduler
// cannot get stuck on one hot shard as tasks keep coming in; otherwise
// they go straight onto the runnable heap.
func (c *chunkTasks) queTask(t *wbase.Task) {
	if c.active {
		c.pendingTasks = append(c.pendingTasks, t)
		return
	}
	heap.Push(&c.activeTasks, t)
}

// setActive flags this chunk as the scheduler's active chunk. Dropping
// the flag releases deferred arrivals back onto the runnable heap.
func (c *chunkTasks) setActive(v bool) {
	if c.active && !v {
		c.movePendingToActive()
	}
	c.active = v
}

// movePendingToActive drains pendingTasks into the active heap. Called
// when this chunk becomes the scheduler's active chunk.
func (c *chunkTasks) movePendingToActive() {
	for _, t := range c.pendingTasks {
		heap.Push(&c.activeTasks, t)
	}
	c.pendingTasks = c.pendingTasks[:0]
}

func (c *chunkTasks) empty() bool {
	return len(c.activeTasks) == 0 && len(c.pendingTasks) == 0 && len(c.inFlightTasks) == 0 && c.readyTask == nil
}

// readyToAdvance reports whether the scheduler may move its active
// pointer past this chunk: no active tasks and nothing in flight.
func (c *chunkTasks) readyToAdvance() bool {
	return len(c.activeTasks) == 0 && c.readyTask == nil && len(c.inFlightTasks) == 0
}

// ready implements the per-shard admission step: cheap when nothing
// is pending, otherwise asks the memory manager to lock pages for the
// top task before declaring it READY.
func (c *chunkTasks) ready(ctx context.Context, mm memman.MemMan, flex bool) (readyState, error) {
	if c.readyTask != nil {
		return stateReady, nil
	}
	if len(c.activeTasks) == 0 {
		return stateNotReady, nil
	}

	top := c.activeTasks[0]
	if top.MemHandle == 0 {
		lock := memman.Required
		if flex {
			lock = memman.Flexible
		}
		tables := make([]memman.TableInfo, 0, len(top.ScanInfo.InfoTables))
		for _, ti := range top.ScanInfo.InfoTables {
			tables = append(tables, memman.TableInfo{Db: ti.Db, Table: ti.Table})
		}

		h, err := mm.Prepare(ctx, tables, c.chunkID, lock)
		if err != nil {
			switch qerr.KindOf(err) {
			case qerr.ResourceExhausted:
				c.resourceStarved = true
				return stateNoResources, nil
			case qerr.NotFound:
				h = memman.Empty
			default:
				return stateNotReady, err
			}
		}
		top.MemHandle = h
	}

	c.resourceStarved = false
	heap.Pop(&c.activeTasks)
	c.readyTask = top
	return stateReady, nil
}

// getTask pops the cached ready task into the in-flight set.
func (c *chunkTasks) getTask() *wbase.Task {
	t := c.readyTask
	c.readyTask = nil
	if t != nil {
		c.inFlightTasks[t] = struct{}{}
	}
	return t
}

func (c *chunkTasks) taskComplete(t *wbase.Task) {
	delete(c.inFlightTasks, t)
}

// removeTask removes t from the active heap or pending FIFO. A task
// already in flight cannot be removed here and the call reports false.
func (c *chunkTasks) removeTask(t *wbase.Task) bool {
	if c.readyTask == t {
		c.readyTask = nil
		return true
	}
	if c.activeTasks.erase(t) {
		return true
	}
	for i, p := range c.pendingTasks {
		if p == t {
			c.pendingTasks = append(c.pendingTasks[:i], c.pendingTasks[i+1:]...)
			return true
		}
	}
	return false
}

func (c *chunkTasks) setResourceStarved(v bool) { c.resourceStarved = v }
