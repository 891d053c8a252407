package wcontrol

import (
	"context"
	"database/sql"

	"github.com/fagongzi/goetty/v2/buf"
	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qerr"
	"github.com/jhoblitt/qserv/pkg/wbase"
)

// SQLRunner executes a task's fragment queries against the worker's
// local result database and streams the rows back as a framed
// response. Rows are batched into frames of at most batchRows; every
// frame but the last carries continues=true.
type SQLRunner struct {
	db        *sql.DB
	codec     *proto.Codec
	wname     string
	batchRows int
	logger    *zap.Logger
}

// NewSQLRunner constructs a runner identified on the wire as wname.
func NewSQLRunner(db *sql.DB, wname string, batchRows int, logger *zap.Logger) *SQLRunner {
	if batchRows <= 0 {
		batchRows = 1000
	}
	return &SQLRunner{
		db:        db,
		codec:     proto.NewCodec(),
		wname:     wname,
		batchRows: batchRows,
		logger:    logger,
	}
}

// RunTask runs every fragment in chain order, shipping batched frames
// to t.Reply. A task whose memory handle is the Empty sentinel still
// runs; a missing table then fails cleanly here and the coordinator is
// expected to retry.
func (r *SQLRunner) RunTask(ctx context.Context, t *wbase.Task) error {
	if t.Reply == nil {
		return qerr.NewFatal("task has no reply channel", nil)
	}

	first := true
	var batch []proto.Row

	flush := func(continues bool) error {
		wname := ""
		if first {
			wname = r.wname
			first = false
		}
		result := proto.Result{Continues: continues, Rows: batch}
		out := buf.NewByteBuf(256)
		if err := r.codec.EncodeResultFrame(wname, result, out); err != nil {
			return qerr.NewFatal("encode result frame failed", err)
		}
		if _, err := t.Reply.Write(out.RawBuf()[:out.GetWriteIndex()]); err != nil {
			return qerr.NewDispatch("write result frame failed", err)
		}
		batch = nil
		return nil
	}

	for _, frag := range t.Fragments {
		if t.Cancelled() {
			return qerr.NewCancelled("task cancelled")
		}
		rows, err := r.db.QueryContext(ctx, frag.Query)
		if err != nil {
			return qerr.NewNotFound("fragment query failed: " + err.Error())
		}
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return qerr.NewFatal("fragment column lookup failed", err)
		}
		for rows.Next() {
			if t.Cancelled() {
				rows.Close()
				return qerr.NewCancelled("task cancelled")
			}
			raw := make([]sql.RawBytes, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range raw {
				ptrs[i] = &raw[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return qerr.NewFatal("fragment row scan failed", err)
			}
			row := make(proto.Row, len(cols))
			for i, v := range raw {
				row[i] = string(v)
			}
			batch = append(batch, row)
			if len(batch) >= r.batchRows {
				if err := flush(true); err != nil {
					rows.Close()
					return err
				}
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return qerr.NewFatal("fragment row iteration failed", err)
		}
		rows.Close()
	}

	// final frame, possibly empty, terminates the stream.
	return flush(false)
}
