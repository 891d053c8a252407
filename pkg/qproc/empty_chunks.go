package qproc

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// EmptyChunks tracks, per database, the set of chunk ids known to
// contain no rows, consulted during chunk planning to skip dispatch
// to shards that would return nothing. Backed by a roaring bitmap per
// database.
type EmptyChunks struct {
	mu    sync.RWMutex
	byDb  map[string]*roaring.Bitmap
}

func NewEmptyChunks() *EmptyChunks {
	return &EmptyChunks{byDb: make(map[string]*roaring.Bitmap)}
}

// MarkEmpty records that chunkID contains no rows for db.
func (e *EmptyChunks) MarkEmpty(db string, chunkID int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bm, ok := e.byDb[db]
	if !ok {
		bm = roaring.New()
		e.byDb[db] = bm
	}
	bm.Add(uint32(chunkID))
}

// IsEmpty reports whether chunkID is known empty for db.
func (e *EmptyChunks) IsEmpty(db string, chunkID int32) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bm, ok := e.byDb[db]
	if !ok {
		return false
	}
	return bm.Contains(uint32(chunkID))
}

// Clear drops the cached empty-chunk set for db, per FLUSH
// QSERV_CHUNKS_CACHE FOR db.
func (e *EmptyChunks) Clear(db string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byDb, db)
}

// ClearAll drops every cached empty-chunk set, per bare FLUSH
// QSERV_CHUNKS_CACHE.
func (e *EmptyChunks) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byDb = make(map[string]*roaring.Bitmap)
}
