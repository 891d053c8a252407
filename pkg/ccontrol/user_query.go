package ccontrol

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jhoblitt/qserv/pkg/qerr"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// UserQuery is the umbrella interface over a coordinator-side query.
// Implemented by UserQuerySelect (the SELECT path) and the DROP TABLE
// / DROP DATABASE / FLUSH QSERV_CHUNKS_CACHE / invalid actions.
type UserQuery interface {
	AddChunk(spec qproc.ChunkSpec) error
	Submit() error
	Join() QueryState
	Kill()
	Discard() error
	GetError() string
	GetExecDesc() string
}

// UserQueryInvalid is returned by the factory when classification
// fails; getError() still works through the handle-based API even
// though the statement was never executable.
type UserQueryInvalid struct {
	message string
	state   QueryState
}

func NewUserQueryInvalid(message string) *UserQueryInvalid {
	return &UserQueryInvalid{message: message, state: QueryError}
}

func (u *UserQueryInvalid) AddChunk(qproc.ChunkSpec) error { return qerr.NewAnalysis(u.message) }
func (u *UserQueryInvalid) Submit() error                  { return qerr.NewAnalysis(u.message) }
func (u *UserQueryInvalid) Join() QueryState                { return QueryError }
func (u *UserQueryInvalid) Kill()                           {}
func (u *UserQueryInvalid) Discard() error                  { return nil }
func (u *UserQueryInvalid) GetError() string                { return u.message }
func (u *UserQueryInvalid) GetExecDesc() string              { return "INVALID" }

// UserQueryDrop implements DROP TABLE and DROP DATABASE directly
// against the merge-table connection.
type UserQueryDrop struct {
	db       *sql.DB
	dbName   string
	table    string // empty for DROP DATABASE
	mu       sync.Mutex
	state    QueryState
	errExtra string
}

func NewUserQueryDrop(db *sql.DB, dbName, table string) *UserQueryDrop {
	return &UserQueryDrop{db: db, dbName: dbName, table: table, state: QueryPlanned}
}

func (u *UserQueryDrop) AddChunk(qproc.ChunkSpec) error {
	return qerr.NewAnalysis("addChunk is not valid for DROP statements")
}

func (u *UserQueryDrop) Submit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != QueryPlanned {
		return qerr.NewFatal("submit called more than once", nil)
	}
	u.state = QueryRunning

	var stmt string
	if u.table != "" {
		stmt = fmt.Sprintf("DROP TABLE `%s`.`%s`", u.dbName, u.table)
	} else {
		stmt = fmt.Sprintf("DROP DATABASE `%s`", u.dbName)
	}
	if _, err := u.db.ExecContext(context.Background(), stmt); err != nil {
		u.state = QueryError
		u.errExtra = err.Error()
		return qerr.NewFatal("drop failed", err)
	}
	u.state = QuerySuccess
	return nil
}

func (u *UserQueryDrop) Join() QueryState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UserQueryDrop) Kill() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == QueryPlanned || u.state == QueryRunning {
		u.state = QueryCancelled
	}
}

func (u *UserQueryDrop) Discard() error { return nil }

func (u *UserQueryDrop) GetError() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.errExtra
}

func (u *UserQueryDrop) GetExecDesc() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.String()
}

// UserQueryFlush implements FLUSH QSERV_CHUNKS_CACHE [FOR db] against
// the shared empty-chunks cache.
type UserQueryFlush struct {
	cache *qproc.EmptyChunks
	dbName string // empty means clear every db

	mu    sync.Mutex
	state QueryState
}

func NewUserQueryFlush(cache *qproc.EmptyChunks, dbName string) *UserQueryFlush {
	return &UserQueryFlush{cache: cache, dbName: dbName, state: QueryPlanned}
}

func (u *UserQueryFlush) AddChunk(qproc.ChunkSpec) error {
	return qerr.NewAnalysis("addChunk is not valid for FLUSH statements")
}

func (u *UserQueryFlush) Submit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != QueryPlanned {
		return qerr.NewFatal("submit called more than once", nil)
	}
	if u.dbName != "" {
		u.cache.Clear(u.dbName)
	} else {
		u.cache.ClearAll()
	}
	u.state = QuerySuccess
	return nil
}

func (u *UserQueryFlush) Join() QueryState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *UserQueryFlush) Kill() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == QueryPlanned {
		u.state = QueryCancelled
	}
}

func (u *UserQueryFlush) Discard() error   { return nil }
func (u *UserQueryFlush) GetError() string { return "" }
func (u *UserQueryFlush) GetExecDesc() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.String()
}
