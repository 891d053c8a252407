package ccontrol

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// fakeDispatcher simulates a worker: it drives handler.Flush through
// one complete frame for the row given by rowsFor(chunkID), without
// touching any real transport.
type fakeDispatcher struct {
	rowsFor func(chunkID int32) []proto.Row
	fail    func(chunkID int32) bool
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, msg *qproc.TaskMsg, handler *MergingHandler) error {
	if d.fail != nil && d.fail(msg.ChunkID) {
		return nil
	}
	result := proto.Result{Continues: false, Rows: d.rowsFor(msg.ChunkID)}
	body, err := result.MarshalBinary()
	if err != nil {
		return err
	}
	header := proto.ProtoHeader{Size: int32(len(body)), MD5: proto.MD5(body), WName: "worker"}
	hb, err := header.MarshalBinary()
	if err != nil {
		return err
	}

	var last bool
	if _, err := handler.Flush([]byte{byte(len(hb))}, &last); err != nil {
		return err
	}
	if _, err := handler.Flush(hb, &last); err != nil {
		return err
	}
	_, err = handler.Flush(body, &last)
	return err
}

type recordingMerger struct {
	mu   sync.Mutex
	rows []proto.Row
}

func (m *recordingMerger) Merge(wr *proto.WorkerResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, wr.Result.Rows...)
	return nil
}

func (m *recordingMerger) Discard(ctx context.Context) error { return nil }

func TestUserQuerySelect_TwoShardSuccess(t *testing.T) {
	merger := &recordingMerger{}
	dispatcher := &fakeDispatcher{
		rowsFor: func(chunkID int32) []proto.Row {
			return []proto.Row{{"chunkId", strconv.Itoa(int(chunkID))}}
		},
	}

	qs := qproc.NewQuerySession("SELECT chunkId FROM Object", "testdb", nil)
	executive := NewExecutive(dispatcher, merger, proto.NewCodec(), nil)
	uq := NewUserQuerySelect(1, "testdb", qs, executive, merger, nil, qproc.NewTaskMsgFactory(), nil)

	require.NoError(t, uq.AddChunk(qproc.ChunkSpec{ChunkID: 1, Fragments: []qproc.FragmentTemplate{{ResultTable: "r", QueryTemplate: "SELECT chunkId FROM Object_%CC%"}}}))
	require.NoError(t, uq.AddChunk(qproc.ChunkSpec{ChunkID: 2, Fragments: []qproc.FragmentTemplate{{ResultTable: "r", QueryTemplate: "SELECT chunkId FROM Object_%CC%"}}}))

	require.NoError(t, uq.Submit())
	state := uq.Join()
	require.Equal(t, QuerySuccess, state)
	require.Len(t, merger.rows, 2)
}

func TestUserQuerySelect_DuplicateAliasSkipsDispatch(t *testing.T) {
	merger := &recordingMerger{}
	dispatched := false
	dispatcher := &fakeDispatcher{
		rowsFor: func(chunkID int32) []proto.Row {
			dispatched = true
			return nil
		},
	}

	qs := qproc.NewQuerySession("SELECT chunkId AS f1, pm_declErr AS f1 FROM Object", "testdb", nil)
	executive := NewExecutive(dispatcher, merger, proto.NewCodec(), nil)
	uq := NewUserQuerySelect(2, "testdb", qs, executive, merger, nil, qproc.NewTaskMsgFactory(), nil)

	require.NoError(t, uq.AddChunk(qproc.ChunkSpec{ChunkID: 1}))
	require.NoError(t, uq.Submit())

	require.False(t, dispatched, "shard dispatch must be skipped when analysis failed")
	require.Contains(t, uq.GetError(), "DUPLICATE_SELECT_EXPR")
}

func TestUserQuerySelect_KillYieldsCancelled(t *testing.T) {
	merger := &recordingMerger{}
	dispatcher := &fakeDispatcher{
		rowsFor: func(chunkID int32) []proto.Row { return []proto.Row{{"1"}} },
	}

	qs := qproc.NewQuerySession("SELECT chunkId FROM Object", "testdb", nil)
	executive := NewExecutive(dispatcher, merger, proto.NewCodec(), nil)
	uq := NewUserQuerySelect(3, "testdb", qs, executive, merger, nil, qproc.NewTaskMsgFactory(), nil)

	require.NoError(t, uq.AddChunk(qproc.ChunkSpec{ChunkID: 1}))
	require.NoError(t, uq.Submit())

	uq.Kill()
	state := uq.Join()
	require.Equal(t, QueryCancelled, state)
}

func TestUserQuerySelect_DiscardBeforeTerminalFails(t *testing.T) {
	qs := qproc.NewQuerySession("SELECT chunkId FROM Object", "testdb", nil)
	executive := NewExecutive(&fakeDispatcher{rowsFor: func(int32) []proto.Row { return nil }}, &recordingMerger{}, proto.NewCodec(), nil)
	uq := NewUserQuerySelect(4, "testdb", qs, executive, &recordingMerger{}, nil, qproc.NewTaskMsgFactory(), nil)

	require.Error(t, uq.Discard())
}
