package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtoHeader_RoundTrip(t *testing.T) {
	cases := []ProtoHeader{
		{Size: 0, MD5: [16]byte{}, WName: "", Continues: false},
		{Size: 1234, MD5: MD5([]byte("hello")), WName: "worker-07", Continues: true},
	}
	for _, h := range cases {
		b, err := h.MarshalBinary()
		require.NoError(t, err)
		require.LessOrEqual(t, len(b), MaxHeaderSize)

		var got ProtoHeader
		require.NoError(t, got.UnmarshalBinary(b))
		require.Equal(t, h, got)
	}
}

func TestResult_RoundTrip(t *testing.T) {
	r := Result{
		Continues: true,
		Rows: []Row{
			{"1", "abc"},
			{"2", ""},
		},
	}
	b, err := r.MarshalBinary()
	require.NoError(t, err)

	var got Result
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, r, got)
}

func TestMD5_DetectsCorruption(t *testing.T) {
	body := []byte("row data")
	h := MD5(body)

	codec := NewCodec()
	require.True(t, codec.VerifyMD5(body, h))

	corrupted := append([]byte{}, body...)
	corrupted[0] ^= 0xFF
	require.False(t, codec.VerifyMD5(corrupted, h))
}

func TestDecodeHeaderSize_ZeroAborts(t *testing.T) {
	codec := NewCodec()
	_, err := codec.DecodeHeaderSize(0)
	require.Error(t, err)
}
