// Package qmeta implements query metadata registration: czar
// registration, per-query row registration, and status updates across
// the query lifecycle. Backed by the same go-sql-driver/mysql
// connection pool as the merge table.
package qmeta

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/jhoblitt/qserv/pkg/qerr"
)

// Status is a query's lifecycle status as recorded in the metadata
// store.
type Status string

const (
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// Metadata is the query-metadata registration/status store.
type Metadata struct {
	db     *sql.DB
	czarID int32
}

// New constructs a Metadata store backed by db, ensuring its schema
// exists.
func New(ctx context.Context, db *sql.DB, czarID int32) (*Metadata, error) {
	m := &Metadata{db: db, czarID: czarID}
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metadata) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS QCzar (
			czarId INT PRIMARY KEY,
			registeredAt DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS QInfo (
			queryId BIGINT PRIMARY KEY,
			czarId INT,
			query TEXT,
			status VARCHAR(16),
			submittedAt DATETIME,
			updatedAt DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS QChunkMap (
			queryId BIGINT,
			chunkId INT
		)`,
	}
	for _, s := range stmts {
		if _, err := m.db.ExecContext(ctx, s); err != nil {
			return qerr.NewFatal("qmeta: schema setup failed", err)
		}
	}
	return nil
}

// RegisterCzar upserts this coordinator's registration row.
func (m *Metadata) RegisterCzar(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx,
		`REPLACE INTO QCzar (czarId, registeredAt) VALUES (?, ?)`,
		m.czarID, time.Now())
	if err != nil {
		return qerr.NewFatal("qmeta: register czar failed", err)
	}
	return nil
}

// RegisterQuery inserts a row for a newly submitted query.
func (m *Metadata) RegisterQuery(ctx context.Context, queryID int64, sql string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO QInfo (queryId, czarId, query, status, submittedAt, updatedAt) VALUES (?, ?, ?, ?, ?, ?)`,
		queryID, m.czarID, sql, string(StatusExecuting), time.Now(), time.Now())
	if err != nil {
		return qerr.NewFatal("qmeta: register query failed", err)
	}
	return nil
}

// UpdateStatus records a query's terminal (or in-progress) status.
func (m *Metadata) UpdateStatus(ctx context.Context, queryID int64, status Status) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE QInfo SET status = ?, updatedAt = ? WHERE queryId = ?`,
		string(status), time.Now(), queryID)
	if err != nil {
		return qerr.NewFatal("qmeta: update status failed", err)
	}
	return nil
}

// AddChunks records the chunk ids dispatched for queryID.
func (m *Metadata) AddChunks(ctx context.Context, queryID int64, chunkIDs []int32) error {
	for _, c := range chunkIDs {
		if _, err := m.db.ExecContext(ctx,
			`INSERT INTO QChunkMap (queryId, chunkId) VALUES (?, ?)`, queryID, c); err != nil {
			return qerr.NewFatal("qmeta: add chunk failed", err)
		}
	}
	return nil
}
