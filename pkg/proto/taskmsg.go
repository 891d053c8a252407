package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/fagongzi/goetty/v2/buf"

	"github.com/jhoblitt/qserv/pkg/qproc"
)

// MarshalTaskMsg encodes a coordinator-to-worker task message as:
// 8 bytes session | 2 bytes db-len + db | 4 bytes chunkid | 4 bytes
// fragment count, then per fragment: 2 bytes resulttable-len + bytes,
// 4 bytes query-len + bytes, 4 bytes subchunk count + 4 bytes each.
// Fragments keep their chain order.
func MarshalTaskMsg(msg *qproc.TaskMsg) ([]byte, error) {
	if len(msg.Db) > 0xFFFF {
		return nil, fmt.Errorf("proto: db name too long: %d bytes", len(msg.Db))
	}
	size := 8 + 2 + len(msg.Db) + 4 + 4
	for _, f := range msg.Fragments {
		if len(f.ResultTable) > 0xFFFF {
			return nil, fmt.Errorf("proto: result table name too long: %d bytes", len(f.ResultTable))
		}
		size += 2 + len(f.ResultTable) + 4 + len(f.Query) + 4 + 4*len(f.SubChunks)
	}

	out := make([]byte, size)
	i := 0
	binary.BigEndian.PutUint64(out[i:], uint64(msg.Session))
	i += 8
	binary.BigEndian.PutUint16(out[i:], uint16(len(msg.Db)))
	i += 2
	i += copy(out[i:], msg.Db)
	binary.BigEndian.PutUint32(out[i:], uint32(msg.ChunkID))
	i += 4
	binary.BigEndian.PutUint32(out[i:], uint32(len(msg.Fragments)))
	i += 4
	for _, f := range msg.Fragments {
		binary.BigEndian.PutUint16(out[i:], uint16(len(f.ResultTable)))
		i += 2
		i += copy(out[i:], f.ResultTable)
		binary.BigEndian.PutUint32(out[i:], uint32(len(f.Query)))
		i += 4
		i += copy(out[i:], f.Query)
		binary.BigEndian.PutUint32(out[i:], uint32(len(f.SubChunks)))
		i += 4
		for _, s := range f.SubChunks {
			binary.BigEndian.PutUint32(out[i:], uint32(s))
			i += 4
		}
	}
	return out, nil
}

// UnmarshalTaskMsg decodes a message produced by MarshalTaskMsg.
func UnmarshalTaskMsg(data []byte) (*qproc.TaskMsg, error) {
	msg := &qproc.TaskMsg{}
	i := 0
	need := func(n int) error {
		if i+n > len(data) {
			return fmt.Errorf("proto: task message truncated at offset %d", i)
		}
		return nil
	}

	if err := need(8 + 2); err != nil {
		return nil, err
	}
	msg.Session = int64(binary.BigEndian.Uint64(data[i:]))
	i += 8
	dbLen := int(binary.BigEndian.Uint16(data[i:]))
	i += 2
	if err := need(dbLen + 4 + 4); err != nil {
		return nil, err
	}
	msg.Db = string(data[i : i+dbLen])
	i += dbLen
	msg.ChunkID = int32(binary.BigEndian.Uint32(data[i:]))
	i += 4
	nFrags := int(binary.BigEndian.Uint32(data[i:]))
	i += 4

	for fIdx := 0; fIdx < nFrags; fIdx++ {
		var f qproc.Fragment
		if err := need(2); err != nil {
			return nil, err
		}
		rtLen := int(binary.BigEndian.Uint16(data[i:]))
		i += 2
		if err := need(rtLen + 4); err != nil {
			return nil, err
		}
		f.ResultTable = string(data[i : i+rtLen])
		i += rtLen
		qLen := int(binary.BigEndian.Uint32(data[i:]))
		i += 4
		if err := need(qLen + 4); err != nil {
			return nil, err
		}
		f.Query = string(data[i : i+qLen])
		i += qLen
		nSub := int(binary.BigEndian.Uint32(data[i:]))
		i += 4
		if err := need(4 * nSub); err != nil {
			return nil, err
		}
		for s := 0; s < nSub; s++ {
			f.SubChunks = append(f.SubChunks, int32(binary.BigEndian.Uint32(data[i:])))
			i += 4
		}
		msg.Fragments = append(msg.Fragments, f)
	}
	return msg, nil
}

// EncodeTaskMsg writes msg into out as a 4-byte-length-prefixed frame,
// the envelope the dispatch transport ships to a worker.
func EncodeTaskMsg(msg *qproc.TaskMsg, out *buf.ByteBuf) error {
	data, err := MarshalTaskMsg(msg)
	if err != nil {
		return err
	}
	buf.MustWriteInt(out, len(data))
	if _, err := out.Write(data); err != nil {
		return fmt.Errorf("proto: write task message: %w", err)
	}
	return nil
}
