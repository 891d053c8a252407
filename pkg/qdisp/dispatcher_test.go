package qdisp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jhoblitt/qserv/pkg/ccontrol"
	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qerr"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

type sinkMerger struct {
	mu   sync.Mutex
	rows []proto.Row
}

func (m *sinkMerger) Merge(wr *proto.WorkerResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, wr.Result.Rows...)
	return nil
}

type neverCancelled struct{}

func (neverCancelled) Cancelled() bool { return false }

// fakeWorker accepts one connection, decodes the task message, and
// replies with the given frames.
func fakeWorker(t *testing.T, frames []proto.Result, corruptLast bool) (addr string, got chan *qproc.TaskMsg) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	got = make(chan *qproc.TaskMsg, 1)

	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		msg, err := proto.UnmarshalTaskMsg(payload)
		if err != nil {
			return
		}
		got <- msg

		for i, result := range frames {
			body, _ := result.MarshalBinary()
			h := proto.ProtoHeader{
				Size:      int32(len(body)),
				MD5:       proto.MD5(body),
				Continues: result.Continues,
			}
			if i == 0 {
				h.WName = "worker-test"
			}
			if corruptLast && i == len(frames)-1 {
				h.MD5[0] ^= 0xFF
			}
			hb, _ := h.MarshalBinary()
			conn.Write([]byte{byte(len(hb))})
			conn.Write(hb)
			conn.Write(body)
		}
		// linger so the dispatcher finishes reading before close.
		time.Sleep(100 * time.Millisecond)
	}()
	return ln.Addr().String(), got
}

func TestNetDispatcher_StreamingContinuation(t *testing.T) {
	frames := []proto.Result{
		{Continues: true, Rows: []proto.Row{{"1"}, {"2"}, {"3"}}},
		{Continues: false, Rows: []proto.Row{{"4"}, {"5"}}},
	}
	addr, got := fakeWorker(t, frames, false)

	merger := &sinkMerger{}
	handler := ccontrol.NewMergingHandler(merger, neverCancelled{}, nil, nil)
	d := NewNetDispatcher(NewStaticDirectory([]string{addr}), time.Second, nil)

	msg := &qproc.TaskMsg{
		Session: 7,
		Db:      "testdb",
		ChunkID: 1,
		Fragments: []qproc.Fragment{
			{ResultTable: "r_1", Query: "SELECT chunkId FROM Object_1", SubChunks: []int32{1, 2}},
		},
	}
	require.NoError(t, d.Dispatch(context.Background(), msg, handler))

	require.Equal(t, ccontrol.StateResultRecv, handler.State())
	require.Len(t, merger.rows, 5)

	received := <-got
	require.Equal(t, int64(7), received.Session)
	require.Equal(t, "testdb", received.Db)
	require.Len(t, received.Fragments, 1)
	require.Equal(t, []int32{1, 2}, received.Fragments[0].SubChunks)
}

func TestNetDispatcher_MD5MismatchSurfacesIntegrityError(t *testing.T) {
	frames := []proto.Result{
		{Continues: false, Rows: []proto.Row{{"1"}}},
	}
	addr, _ := fakeWorker(t, frames, true)

	merger := &sinkMerger{}
	handler := ccontrol.NewMergingHandler(merger, neverCancelled{}, nil, nil)
	d := NewNetDispatcher(NewStaticDirectory([]string{addr}), time.Second, nil)

	err := d.Dispatch(context.Background(), &qproc.TaskMsg{Session: 8, Db: "testdb", ChunkID: 1}, handler)
	require.Error(t, err)
	require.True(t, qerr.Is(err, qerr.ProtocolIntegrity))
	require.Equal(t, ccontrol.StateResultErr, handler.State())
	require.Empty(t, merger.rows)
}

func TestNetDispatcher_NoWorkerIsDispatchError(t *testing.T) {
	d := NewNetDispatcher(NewStaticDirectory(nil), time.Second, nil)
	handler := ccontrol.NewMergingHandler(&sinkMerger{}, neverCancelled{}, nil, nil)
	err := d.Dispatch(context.Background(), &qproc.TaskMsg{ChunkID: 3}, handler)
	require.True(t, qerr.Is(err, qerr.Dispatch))
}
