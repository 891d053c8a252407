// Package ccontrol holds the coordinator-side ("czar") components: the
// collapsed result receive/merge state machine, the user-query session
// types, and the factory that classifies SQL and builds them.
package ccontrol

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qerr"
)

// MsgState is the externally observable state of a MergingHandler.
type MsgState int

const (
	StateHeaderSizeWait MsgState = iota
	StateResultWait
	StateResultExtra
	StateResultRecv
	StateHeaderErr
	StateResultErr
)

func (s MsgState) String() string {
	switch s {
	case StateHeaderSizeWait:
		return "HEADER_SIZE_WAIT"
	case StateResultWait:
		return "RESULT_WAIT"
	case StateResultExtra:
		return "RESULT_EXTRA"
	case StateResultRecv:
		return "RESULT_RECV"
	case StateHeaderErr:
		return "HEADER_ERR"
	case StateResultErr:
		return "RESULT_ERR"
	default:
		return "UNKNOWN"
	}
}

func (s MsgState) terminal() bool {
	return s == StateResultRecv || s == StateHeaderErr || s == StateResultErr
}

// Merger is the ingestion contract MergingHandler drives: append-only
// ingestion of one decoded WorkerResponse, thread-safe under
// concurrent shard responses.
type Merger interface {
	Merge(wr *proto.WorkerResponse) error
}

// CancelChecker reports whether the owning job has been killed.
// MergingHandler checks this before every merge.
type CancelChecker interface {
	Cancelled() bool
}

// MergingHandler is the per-shard receive state machine, collapsed
// into the single Flush(bytes) -> (continue?) operation: it owns both
// the read side and the merge side of one reply stream.
type MergingHandler struct {
	logger *zap.Logger
	codec  *proto.Codec
	merger Merger
	job    CancelChecker

	state             MsgState
	awaitingHeaderBody bool
	pendingHeaderSize int
	enteredFromExtra  bool

	header  proto.ProtoHeader
	flushed bool

	mu  sync.Mutex
	err error
}

// NewMergingHandler constructs a handler for one shard's reply stream.
func NewMergingHandler(merger Merger, job CancelChecker, codec *proto.Codec, logger *zap.Logger) *MergingHandler {
	if codec == nil {
		codec = proto.NewCodec()
	}
	return &MergingHandler{
		logger: logger,
		codec:  codec,
		merger: merger,
		job:    job,
		state:  StateHeaderSizeWait,
	}
}

// State returns the current MsgState.
func (h *MergingHandler) State() MsgState { return h.state }

// NextSize reports how many bytes the transport adapter must
// accumulate before the next call to Flush; the input buffer is
// resized between states. Zero once terminal.
func (h *MergingHandler) NextSize() int {
	switch {
	case h.state.terminal():
		return 0
	case h.awaitingHeaderBody:
		return h.pendingHeaderSize
	case h.state == StateHeaderSizeWait || h.state == StateResultExtra:
		return 1
	case h.state == StateResultWait:
		return int(h.header.Size)
	default:
		return 0
	}
}

// Flush processes exactly one framed event: the bytes the transport
// adapter accumulated to satisfy NextSize(). It performs exactly one
// state transition and reports whether the caller should keep reading
// (true) or the stream has reached a terminal outcome (false). *last
// is set true exactly when a final (non-continuing) result frame has
// just been merged.
func (h *MergingHandler) Flush(p []byte, last *bool) (bool, error) {
	*last = false

	if h.state.terminal() {
		return false, qerr.NewProtocolDecode("flush called after terminal state "+h.state.String(), nil)
	}

	switch {
	case h.state == StateHeaderSizeWait || h.state == StateResultExtra:
		return h.flushHeaderPhase(p)
	case h.state == StateResultWait:
		return h.flushResultPhase(p, last)
	default:
		return false, qerr.NewFatal("merging handler: unreachable state "+h.state.String(), nil)
	}
}

func (h *MergingHandler) flushHeaderPhase(p []byte) (bool, error) {
	if !h.awaitingHeaderBody {
		if len(p) != 1 {
			return false, qerr.NewProtocolDecode("header size prefix must be exactly 1 byte", nil)
		}
		n, err := h.codec.DecodeHeaderSize(p[0])
		if err != nil {
			h.enteredFromExtra = h.state == StateResultExtra
			h.state = StateHeaderErr
			h.setError(qerr.NewProtocolDecode("header decode failed", err))
			return false, h.err
		}
		h.pendingHeaderSize = n
		h.awaitingHeaderBody = true
		return true, nil
	}

	if len(p) != h.pendingHeaderSize {
		if h.state == StateResultExtra {
			// a mismatch in RESULT_EXTRA is logged but still
			// processed, surviving a race with the transport's
			// final read.
			if h.logger != nil {
				h.logger.Warn("flush buffer size mismatch in RESULT_EXTRA, proceeding anyway",
					zap.Int("want", h.pendingHeaderSize), zap.Int("got", len(p)))
			}
		} else {
			h.state = StateHeaderErr
			h.setError(qerr.NewProtocolDecode("header buffer size mismatch", nil))
			return false, h.err
		}
	}

	hdr, err := h.codec.DecodeHeader(p)
	if err != nil {
		h.state = StateHeaderErr
		h.setError(qerr.NewProtocolDecode("header decode failed", err))
		return false, h.err
	}
	if hdr.WName != "" {
		h.header.WName = hdr.WName
	}
	hdr.WName = h.header.WName
	h.header = hdr
	h.awaitingHeaderBody = false
	h.state = StateResultWait
	return true, nil
}

func (h *MergingHandler) flushResultPhase(p []byte, last *bool) (bool, error) {
	if len(p) != int(h.header.Size) {
		if h.logger != nil {
			h.logger.Warn("flush buffer size mismatch in RESULT_WAIT",
				zap.Int("want", int(h.header.Size)), zap.Int("got", len(p)))
		}
		h.state = StateResultErr
		h.setError(qerr.NewProtocolDecode("result buffer size mismatch", nil))
		return false, h.err
	}

	if !h.codec.VerifyMD5(p, h.header.MD5) {
		h.state = StateResultErr
		h.setError(qerr.NewProtocolIntegrity("Result message MD5 mismatch"))
		return false, h.err
	}

	result, err := h.codec.DecodeResult(p)
	if err != nil {
		h.state = StateResultErr
		h.setError(qerr.NewProtocolDecode("result decode failed", err))
		return false, h.err
	}

	wr := &proto.WorkerResponse{Header: h.header, Result: result}

	if h.job != nil && h.job.Cancelled() {
		h.state = StateResultErr
		h.setError(qerr.NewCancelled("merge skipped: job cancelled"))
		return false, h.err
	}

	if err := h.merger.Merge(wr); err != nil {
		h.state = StateResultErr
		h.setError(qerr.NewMerge("merge failed", err))
		return false, h.err
	}
	h.flushed = true

	if result.Continues {
		h.state = StateResultExtra
		h.enteredFromExtra = true
		return true, nil
	}

	*last = true
	h.state = StateResultRecv
	return false, nil
}

// Reset rearms the handler for a fresh frame stream. Fails if any
// bytes have already been forwarded to the merger: that partial merge
// cannot be retracted.
func (h *MergingHandler) Reset() error {
	if h.flushed {
		return qerr.NewFatal("cannot reset: handler already flushed to merger", nil)
	}
	h.state = StateHeaderSizeWait
	h.awaitingHeaderBody = false
	h.pendingHeaderSize = 0
	h.header = proto.ProtoHeader{}
	return nil
}

func (h *MergingHandler) setError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

// Error returns the first non-recoverable error observed, or nil.
func (h *MergingHandler) Error() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
