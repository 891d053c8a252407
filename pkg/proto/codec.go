package proto

import (
	"fmt"

	"github.com/fagongzi/goetty/v2/buf"
)

// Codec encodes and decodes the frame stream described in proto.go's
// doc comment: the worker uses it to build frames, writing through a
// goetty *buf.ByteBuf with this package's fixed 1-byte-size-prefix
// envelope, and the coordinator's MergingHandler uses it to decode
// headers and bodies and verify their MD5.
type Codec struct{}

// NewCodec constructs a Codec. Stateless; safe to share.
func NewCodec() *Codec { return &Codec{} }

// EncodeFrame writes one complete frame (size-prefixed header, then
// body) into out.
func (c *Codec) EncodeFrame(h ProtoHeader, body []byte, out *buf.ByteBuf) error {
	hb, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	buf.MustWriteByte(out, byte(len(hb)))
	if _, err := out.Write(hb); err != nil {
		return fmt.Errorf("proto: write header: %w", err)
	}
	if _, err := out.Write(body); err != nil {
		return fmt.Errorf("proto: write body: %w", err)
	}
	return nil
}

// EncodeResultFrame is a convenience wrapper: marshals result, computes
// its MD5, fills in the header's Size/MD5/Continues fields, and
// encodes the frame.
func (c *Codec) EncodeResultFrame(wname string, result Result, out *buf.ByteBuf) error {
	body, err := result.MarshalBinary()
	if err != nil {
		return err
	}
	h := ProtoHeader{
		Size:      int32(len(body)),
		MD5:       MD5(body),
		WName:     wname,
		Continues: result.Continues,
	}
	return c.EncodeFrame(h, body, out)
}

// DecodeHeaderSize extracts N from the single size-prefix byte.
func (c *Codec) DecodeHeaderSize(b byte) (int, error) {
	if b == 0 {
		return 0, fmt.Errorf("proto: zero header size aborts the stream")
	}
	return int(b), nil
}

// DecodeHeader decodes exactly N header bytes (as sized by
// DecodeHeaderSize) into a ProtoHeader.
func (c *Codec) DecodeHeader(data []byte) (ProtoHeader, error) {
	var h ProtoHeader
	if err := h.UnmarshalBinary(data); err != nil {
		return ProtoHeader{}, err
	}
	return h, nil
}

// DecodeResult decodes exactly header.Size body bytes into a Result,
// assuming the caller has already verified the MD5.
func (c *Codec) DecodeResult(data []byte) (Result, error) {
	var r Result
	if err := r.UnmarshalBinary(data); err != nil {
		return Result{}, err
	}
	return r, nil
}

// VerifyMD5 reports whether body's digest matches want.
func (c *Codec) VerifyMD5(body []byte, want [16]byte) bool {
	return MD5(body) == want
}
