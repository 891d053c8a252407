// Package qdisp dispatches per-shard task messages to the worker fleet
// and drives each shard's reply stream through the coordinator's
// merging handler. Each dispatch ships the task message over one TCP
// connection and reads the framed reply back on the same connection;
// the transport library proper is an external collaborator.
package qdisp

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/fagongzi/goetty/v2/buf"
	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/ccontrol"
	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qerr"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// WorkerDirectory resolves which worker serves a shard. Chunk
// placement normally comes from the partition metadata catalog, an
// external collaborator; StaticDirectory is the reference
// implementation.
type WorkerDirectory interface {
	WorkerFor(chunkID int32) (string, error)
}

// StaticDirectory assigns chunks to a fixed worker list by modulo.
type StaticDirectory struct {
	addrs []string
}

func NewStaticDirectory(addrs []string) *StaticDirectory {
	return &StaticDirectory{addrs: addrs}
}

func (d *StaticDirectory) WorkerFor(chunkID int32) (string, error) {
	if len(d.addrs) == 0 {
		return "", qerr.NewDispatch("no workers configured", nil)
	}
	return d.addrs[int(chunkID)%len(d.addrs)], nil
}

// NetDispatcher implements ccontrol.Dispatcher over one TCP connection
// per shard dispatch: it ships the encoded task message, then reads
// the framed reply in NextSize()-sized pieces, feeding each to the
// handler until the stream reaches a terminal state.
type NetDispatcher struct {
	dir     WorkerDirectory
	timeout time.Duration
	logger  *zap.Logger
}

// NewNetDispatcher constructs a dispatcher resolving workers through
// dir. timeout bounds dial time; zero means no bound.
func NewNetDispatcher(dir WorkerDirectory, timeout time.Duration, logger *zap.Logger) *NetDispatcher {
	return &NetDispatcher{dir: dir, timeout: timeout, logger: logger}
}

var _ ccontrol.Dispatcher = (*NetDispatcher)(nil)

// Dispatch delivers msg to the worker owning msg.ChunkID and drives
// handler.Flush over the reply stream. Returns the handler's error for
// protocol failures, or a DISPATCH error when the worker could not be
// reached.
func (d *NetDispatcher) Dispatch(ctx context.Context, msg *qproc.TaskMsg, handler *ccontrol.MergingHandler) error {
	addr, err := d.dir.WorkerFor(msg.ChunkID)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", addr, d.timeout)
	if err != nil {
		return qerr.NewDispatch("dial worker "+addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	out := buf.NewByteBuf(512)
	if err := proto.EncodeTaskMsg(msg, out); err != nil {
		return err
	}
	if _, err := conn.Write(out.RawBuf()[:out.GetWriteIndex()]); err != nil {
		return qerr.NewDispatch("send task message to "+addr, err)
	}

	var last bool
	for {
		if err := ctx.Err(); err != nil {
			return qerr.NewCancelled("dispatch context done")
		}
		n := handler.NextSize()
		if n == 0 {
			return nil
		}
		p := make([]byte, n)
		if _, err := io.ReadFull(conn, p); err != nil {
			return qerr.NewDispatch("read reply from "+addr, err)
		}
		cont, err := handler.Flush(p, &last)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}
