// Package rproc implements the infile merger: append-only streaming
// ingestion of decoded worker results into the merge table over
// database/sql + go-sql-driver/mysql.
package rproc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	// blank-imported for its driver registration.
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qerr"
)

// InfileMergerConfig names the merge table an InfileMerger writes to
// and the columns it expects each result row to carry.
type InfileMergerConfig struct {
	TargetDb    string
	MergeTable  string // "<targetDb>.result_<timestampId>" or user supplied
	Columns     []string
}

// InfileMerger ingests WorkerResponses into the merge table described
// by its config. Safe for concurrent calls from distinct shard receive
// goroutines: an internal mutex serializes Merge calls, one writer per
// user query, and each call writes its rows in its own transaction.
type InfileMerger struct {
	cfg    InfileMergerConfig
	db     *sql.DB
	logger *zap.Logger

	mu      sync.Mutex
	tx      *sql.Tx
	err     error
	created bool
}

// NewInfileMerger creates the merge table (if not already present) and
// returns a merger ready to accept rows.
func NewInfileMerger(ctx context.Context, db *sql.DB, cfg InfileMergerConfig, logger *zap.Logger) (*InfileMerger, error) {
	m := &InfileMerger{cfg: cfg, db: db, logger: logger}
	if err := m.createTable(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *InfileMerger) createTable(ctx context.Context) error {
	cols := make([]string, len(m.cfg.Columns))
	for i, c := range m.cfg.Columns {
		cols[i] = fmt.Sprintf("`%s` TEXT", c)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", m.cfg.MergeTable, strings.Join(cols, ", "))
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return qerr.NewFatal("rproc: create merge table failed", err)
	}
	m.created = true
	return nil
}

// Merge appends wr.Result's rows to the merge table. Implements the
// ccontrol.Merger interface consumed by MergingHandler.
func (m *InfileMerger) Merge(wr *proto.WorkerResponse) error {
	if len(wr.Result.Rows) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx := context.Background()
	placeholders := make([]string, len(m.cfg.Columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s VALUES (%s)", m.cfg.MergeTable, strings.Join(placeholders, ", "))

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.err = qerr.NewMerge("rproc: begin tx failed", err)
		return m.err
	}
	defer tx.Rollback()

	for _, row := range wr.Result.Rows {
		args := make([]interface{}, len(row))
		for i, v := range row {
			args[i] = v
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			m.err = qerr.NewMerge("rproc: insert row failed", err)
			return m.err
		}
	}

	if err := tx.Commit(); err != nil {
		m.err = qerr.NewMerge("rproc: commit failed", err)
		return m.err
	}
	return nil
}

// Error returns the last merge error observed, or nil.
func (m *InfileMerger) Error() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Discard drops the merge table: rows are append-only and the table
// is dropped wholesale on UserQuery.discard(), never updated in
// place.
func (m *InfileMerger) Discard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.created {
		return nil
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", m.cfg.MergeTable))
	if err != nil {
		return qerr.NewFatal("rproc: drop merge table failed", err)
	}
	m.created = false
	return nil
}
