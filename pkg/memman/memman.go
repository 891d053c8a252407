// Package memman is the memory manager facade consumed by the shard
// scan scheduler (wsched): page-lock admission control for table
// scans. This package defines the contract plus one reference
// implementation.
package memman

import (
	"context"
	"sync"

	"github.com/jhoblitt/qserv/pkg/qerr"
)

// Handle is an opaque token acknowledging that the pages needed for a
// scan are resident. The zero Handle is invalid; Empty is a sentinel
// non-zero handle used when a referenced table does not exist.
type Handle int64

// Empty is returned in place of a failure when a table lookup comes
// back NOT_FOUND: the scan is allowed to proceed and fail cleanly at
// the storage layer.
const Empty Handle = -1

// LockType controls how strictly MemMan must guarantee residency
// before admitting a scan.
type LockType int

const (
	// Required demands the pages be resident before Prepare returns.
	Required LockType = iota
	// Flexible allows Prepare to admit speculatively under pressure.
	Flexible
)

// TableInfo names a table MemMan must lock pages for.
type TableInfo struct {
	Db    string
	Table string
}

// MemMan is the contract the scan scheduler consumes: Prepare locks pages for
// the given tables and returns a Handle, or an error classified as
// ResourceExhausted, NotFound, or Fatal. Release gives the pages back.
// Implementations may reference-count pages so consecutive tasks on the
// same shard reuse a lock.
type MemMan interface {
	Prepare(ctx context.Context, tables []TableInfo, chunkID int32, lock LockType) (Handle, error)
	Release(h Handle)
}

type pageKey struct {
	db, table string
}

// refCountMemMan is the reference implementation: a bounded budget of
// page slots, reference-counted per db/table so repeated locks on an
// already-resident table are free.
type refCountMemMan struct {
	mu       sync.Mutex
	budget   int64
	used     int64
	refs     map[pageKey]int64
	handles  map[Handle][]pageKey
	nextID   int64
}

// NewRefCountMemMan constructs a MemMan with a fixed page budget
// (arbitrary unit; the worker config supplies it as
// mem-man-budget-bytes).
func NewRefCountMemMan(budget int64) MemMan {
	return &refCountMemMan{
		budget:  budget,
		refs:    make(map[pageKey]int64),
		handles: make(map[Handle][]pageKey),
	}
}

const pageCost = 1

func (m *refCountMemMan) Prepare(_ context.Context, tables []TableInfo, _ int32, _ LockType) (Handle, error) {
	if len(tables) == 0 {
		return Empty, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]pageKey, 0, len(tables))
	var toAcquire int64
	for _, t := range tables {
		k := pageKey{t.Db, t.Table}
		keys = append(keys, k)
		if m.refs[k] == 0 {
			toAcquire += pageCost
		}
	}

	if m.used+toAcquire > m.budget {
		return 0, qerr.NewResourceExhausted("memman: page budget exhausted")
	}

	m.nextID++
	h := Handle(m.nextID)
	for _, k := range keys {
		m.refs[k]++
		if m.refs[k] == 1 {
			m.used += pageCost
		}
	}
	m.handles[h] = keys
	return h, nil
}

func (m *refCountMemMan) Release(h Handle) {
	if h == Empty || h == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, ok := m.handles[h]
	if !ok {
		return
	}
	delete(m.handles, h)
	for _, k := range keys {
		m.refs[k]--
		if m.refs[k] <= 0 {
			delete(m.refs, k)
			m.used -= pageCost
		}
	}
}
