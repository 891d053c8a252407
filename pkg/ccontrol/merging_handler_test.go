package ccontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jhoblitt/qserv/pkg/proto"
)

type fakeMerger struct {
	merged []*proto.WorkerResponse
	fail   bool
}

func (m *fakeMerger) Merge(wr *proto.WorkerResponse) error {
	if m.fail {
		return errFakeMerge
	}
	m.merged = append(m.merged, wr)
	return nil
}

var errFakeMerge = fakeErr("merge refused")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

type fakeCancelChecker struct{ cancelled bool }

func (f *fakeCancelChecker) Cancelled() bool { return f.cancelled }

func driveFrame(t *testing.T, h *MergingHandler, result proto.Result, wname string) bool {
	codec := proto.NewCodec()
	body, err := result.MarshalBinary()
	require.NoError(t, err)
	header := proto.ProtoHeader{
		Size:      int32(len(body)),
		MD5:       proto.MD5(body),
		WName:     wname,
		Continues: result.Continues,
	}
	hb, err := header.MarshalBinary()
	require.NoError(t, err)

	var last bool
	cont, err := h.Flush([]byte{byte(len(hb))}, &last)
	require.NoError(t, err)
	require.True(t, cont)

	cont, err = h.Flush(hb, &last)
	require.NoError(t, err)
	require.True(t, cont)

	cont, err = h.Flush(body, &last)
	if err != nil {
		return false
	}
	_ = codec
	return cont || last
}

func TestMergingHandler_StreamingContinuation(t *testing.T) {
	merger := &fakeMerger{}
	h := NewMergingHandler(merger, &fakeCancelChecker{}, nil, nil)

	require.Equal(t, StateHeaderSizeWait, h.State())

	frameA := proto.Result{Continues: true, Rows: []proto.Row{{"1"}, {"2"}, {"3"}}}
	driveFrame(t, h, frameA, "worker-1")
	require.Equal(t, StateResultExtra, h.State())

	frameB := proto.Result{Continues: false, Rows: []proto.Row{{"4"}, {"5"}}}
	driveFrame(t, h, frameB, "worker-1")
	require.Equal(t, StateResultRecv, h.State())

	require.Len(t, merger.merged, 2)
	total := 0
	for _, wr := range merger.merged {
		total += len(wr.Result.Rows)
	}
	require.Equal(t, 5, total)
}

func TestMergingHandler_MD5Mismatch(t *testing.T) {
	merger := &fakeMerger{}
	h := NewMergingHandler(merger, &fakeCancelChecker{}, nil, nil)

	result := proto.Result{Continues: false, Rows: []proto.Row{{"1"}}}
	body, err := result.MarshalBinary()
	require.NoError(t, err)
	header := proto.ProtoHeader{
		Size:  int32(len(body)),
		MD5:   proto.MD5([]byte("not the body")), // corrupted digest
		WName: "worker-2",
	}
	hb, err := header.MarshalBinary()
	require.NoError(t, err)

	var last bool
	_, err = h.Flush([]byte{byte(len(hb))}, &last)
	require.NoError(t, err)
	_, err = h.Flush(hb, &last)
	require.NoError(t, err)

	cont, err := h.Flush(body, &last)
	require.Error(t, err)
	require.False(t, cont)
	require.Equal(t, StateResultErr, h.State())
	require.Contains(t, h.Error().Error(), "Result message MD5 mismatch")
	require.Empty(t, merger.merged, "merge must never be called after an MD5 mismatch")
}

func TestMergingHandler_CancelMidMerge(t *testing.T) {
	merger := &fakeMerger{}
	cancel := &fakeCancelChecker{}
	h := NewMergingHandler(merger, cancel, nil, nil)

	frameA := proto.Result{Continues: false, Rows: []proto.Row{{"1"}}}
	ok := driveFrame(t, h, frameA, "worker-3")
	require.False(t, ok == false, "first frame should succeed")
	require.Equal(t, StateResultRecv, h.State())
	require.Len(t, merger.merged, 1)

	cancel.cancelled = true

	err := h.Reset()
	require.Error(t, err, "reset after flush must fail: partial merge cannot be retracted")
}

func TestMergingHandler_TerminalFlushIsProtocolError(t *testing.T) {
	merger := &fakeMerger{}
	h := NewMergingHandler(merger, &fakeCancelChecker{}, nil, nil)

	frameA := proto.Result{Continues: false, Rows: []proto.Row{{"1"}}}
	driveFrame(t, h, frameA, "worker-4")
	require.Equal(t, StateResultRecv, h.State())

	var last bool
	_, err := h.Flush([]byte{1}, &last)
	require.Error(t, err)
}
