// Package proto implements the wire protocol codec: the
// length-prefixed header+body framing, with per-frame MD5 integrity,
// that a worker uses to stream one shard's reply back to the
// coordinator. Layout:
//
//	[1-byte header-size N] [N bytes framed ProtoHeader] [body bytes...] [optional continuation frames...]
package proto

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// MaxHeaderSize is the largest encoded ProtoHeader the 1-byte
// header-size prefix can describe.
const MaxHeaderSize = 255

// ProtoHeader precedes every frame's body.
type ProtoHeader struct {
	Size      int32    // body length in bytes
	MD5       [16]byte // digest of the body only, header excluded
	WName     string   // worker name; populated on the first frame
	Continues bool
}

// MarshalBinary encodes the header as:
// 4 bytes size (big-endian) | 16 bytes md5 | 1 byte continues | 2 bytes wname-len | wname bytes.
func (h ProtoHeader) MarshalBinary() ([]byte, error) {
	wn := []byte(h.WName)
	if len(wn) > 0xFFFF {
		return nil, fmt.Errorf("proto: worker name too long: %d bytes", len(wn))
	}
	buf := make([]byte, 4+16+1+2+len(wn))
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.Size))
	copy(buf[4:20], h.MD5[:])
	if h.Continues {
		buf[20] = 1
	}
	binary.BigEndian.PutUint16(buf[21:23], uint16(len(wn)))
	copy(buf[23:], wn)
	if len(buf) > MaxHeaderSize {
		return nil, fmt.Errorf("proto: encoded header exceeds %d bytes", MaxHeaderSize)
	}
	return buf, nil
}

// UnmarshalBinary decodes a header previously produced by MarshalBinary.
func (h *ProtoHeader) UnmarshalBinary(data []byte) error {
	if len(data) < 23 {
		return fmt.Errorf("proto: header too short: %d bytes", len(data))
	}
	h.Size = int32(binary.BigEndian.Uint32(data[0:4]))
	copy(h.MD5[:], data[4:20])
	h.Continues = data[20] != 0
	wlen := int(binary.BigEndian.Uint16(data[21:23]))
	if len(data) < 23+wlen {
		return fmt.Errorf("proto: header truncated worker name")
	}
	h.WName = string(data[23 : 23+wlen])
	return nil
}

// Row is one output row, column values pre-rendered as strings (the
// merge table ingests them as-is; no SQL type system is in scope).
type Row []string

// Result is the decoded payload of one frame.
type Result struct {
	Continues bool
	Rows      []Row
}

// MarshalBinary encodes a Result as:
// 1 byte continues | 4 bytes row count | per row: 4 bytes col count, per col: 4 bytes len + bytes.
func (r Result) MarshalBinary() ([]byte, error) {
	size := 1 + 4
	for _, row := range r.Rows {
		size += 4
		for _, col := range row {
			size += 4 + len(col)
		}
	}
	buf := make([]byte, size)
	i := 0
	if r.Continues {
		buf[i] = 1
	}
	i++
	binary.BigEndian.PutUint32(buf[i:], uint32(len(r.Rows)))
	i += 4
	for _, row := range r.Rows {
		binary.BigEndian.PutUint32(buf[i:], uint32(len(row)))
		i += 4
		for _, col := range row {
			binary.BigEndian.PutUint32(buf[i:], uint32(len(col)))
			i += 4
			copy(buf[i:], col)
			i += len(col)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a Result previously produced by MarshalBinary.
func (r *Result) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("proto: result too short: %d bytes", len(data))
	}
	r.Continues = data[0] != 0
	nRows := int(binary.BigEndian.Uint32(data[1:5]))
	i := 5
	rows := make([]Row, 0, nRows)
	for rIdx := 0; rIdx < nRows; rIdx++ {
		if i+4 > len(data) {
			return fmt.Errorf("proto: result truncated at row %d", rIdx)
		}
		nCols := int(binary.BigEndian.Uint32(data[i : i+4]))
		i += 4
		row := make(Row, 0, nCols)
		for cIdx := 0; cIdx < nCols; cIdx++ {
			if i+4 > len(data) {
				return fmt.Errorf("proto: result truncated at row %d col %d", rIdx, cIdx)
			}
			clen := int(binary.BigEndian.Uint32(data[i : i+4]))
			i += 4
			if i+clen > len(data) {
				return fmt.Errorf("proto: result truncated col data at row %d col %d", rIdx, cIdx)
			}
			row = append(row, string(data[i:i+clen]))
			i += clen
		}
		rows = append(rows, row)
	}
	r.Rows = rows
	return nil
}

// MD5 computes the 128-bit digest of body, used for the per-frame
// integrity check carried in ProtoHeader.MD5.
func MD5(body []byte) [16]byte {
	return md5.Sum(body)
}

// WorkerResponse is the receive-side state for one shard reply: the
// header of the current frame plus the most recently decoded Result. A fresh
// Result is substituted on every continuation frame so a prior decoded
// body stays valid while the next is being parsed.
type WorkerResponse struct {
	Header ProtoHeader
	Result Result
}
