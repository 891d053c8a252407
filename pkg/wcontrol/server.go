package wcontrol

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// maxTaskMsgSize bounds a single inbound task message.
const maxTaskMsgSize = 16 << 20

// Server is the worker's transport adapter: it accepts coordinator
// connections, decodes one task message per connection, and hands it
// to a per-connection Session. The reply stream flows back over the
// same connection, written by the runner. When the coordinator closes
// the connection the session's still-queued tasks are cancelled;
// transport timeouts surface the same way.
type Server struct {
	addr      string
	foreman   *Foreman
	validator Validator
	scan      ScanSource
	logger    *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer constructs a Server listening on addr once started.
func NewServer(addr string, foreman *Foreman, validator Validator, scan ScanSource, logger *zap.Logger) *Server {
	return &Server{
		addr:      addr,
		foreman:   foreman,
		validator: validator,
		scan:      scan,
		logger:    logger,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr reports the bound listen address, useful when addr was ":0".
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && s.logger != nil {
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sess := NewSession(s.foreman, s.validator, s.scan, s.logger)

	msg, err := readTaskMsg(conn)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("bad task message", zap.Error(err))
		}
		return
	}
	if err := sess.ProcessRequest(msg, conn, 0); err != nil {
		if s.logger != nil {
			s.logger.Warn("request rejected",
				zap.Int64("session", msg.Session),
				zap.Int32("chunkId", msg.ChunkID),
				zap.Error(err))
		}
		return
	}

	// The coordinator sends nothing further; block until it closes the
	// connection, then cancel whatever has not yet run.
	var drain [1]byte
	_, _ = conn.Read(drain[:])
	sess.RequestFinished(true)
}

func readTaskMsg(conn net.Conn) (*qproc.TaskMsg, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:]))
	if n <= 0 || n > maxTaskMsgSize {
		return nil, fmt.Errorf("wcontrol: bad task message size %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return proto.UnmarshalTaskMsg(payload)
}
