package proto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jhoblitt/qserv/pkg/qproc"
)

func TestTaskMsg_RoundTrip(t *testing.T) {
	msg := &qproc.TaskMsg{
		Session: 42,
		Db:      "testdb",
		ChunkID: 7,
		Fragments: []qproc.Fragment{
			{ResultTable: "r_7", Query: "SELECT chunkId FROM Object_7", SubChunks: []int32{70, 71}},
			{ResultTable: "r_7", Query: "SELECT * FROM ObjectSelfOverlap_7", SubChunks: nil},
		},
	}
	data, err := MarshalTaskMsg(msg)
	require.NoError(t, err)

	got, err := UnmarshalTaskMsg(data)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestTaskMsg_TruncatedFails(t *testing.T) {
	msg := &qproc.TaskMsg{Session: 1, Db: "d", ChunkID: 1,
		Fragments: []qproc.Fragment{{ResultTable: "r", Query: "q"}}}
	data, err := MarshalTaskMsg(msg)
	require.NoError(t, err)

	_, err = UnmarshalTaskMsg(data[:len(data)-3])
	require.Error(t, err)
}
