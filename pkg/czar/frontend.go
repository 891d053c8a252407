package czar

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/qproc"
)

// Frontend exposes the handle-oriented coordinator API over a
// line-oriented TCP listener, the hook the script-oriented front-end
// proxy attaches to. One command per line:
//
//	QUERY <defaultDb> <sql...>   -> OK <sessionId>
//	ADDCHUNK <sessionId> <chunkId> <subIds|-> <resultTable> <queryTemplate...> -> OK
//	SUBMIT <sessionId>           -> OK
//	JOIN <sessionId>             -> OK <state>
//	KILL <sessionId>             -> OK
//	DISCARD <sessionId>          -> OK
//	ERROR <sessionId>            -> OK <message>
//	DESC <sessionId>             -> OK <state>
//
// Failures answer ERR <message>. The proxy's own protocol (and the
// chunk planning it performs through the partition metadata catalog)
// stays outside this process.
type Frontend struct {
	czar   *Czar
	logger *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewFrontend constructs a Frontend serving c.
func NewFrontend(c *Czar, logger *zap.Logger) *Frontend {
	return &Frontend{czar: c, logger: logger}
}

// Start binds addr and begins serving commands.
func (f *Frontend) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.ln = ln
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				f.mu.Lock()
				closed := f.closed
				f.mu.Unlock()
				if !closed && f.logger != nil {
					f.logger.Error("frontend accept failed", zap.Error(err))
				}
				return
			}
			f.wg.Add(1)
			go f.serve(conn)
		}
	}()
	return nil
}

// Addr reports the bound listen address, useful when Start was given
// ":0".
func (f *Frontend) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

// Stop closes the listener and waits for connections to drain.
func (f *Frontend) Stop() {
	f.mu.Lock()
	f.closed = true
	ln := f.ln
	f.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	f.wg.Wait()
}

func (f *Frontend) serve(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		reply := f.handle(scanner.Text())
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

func (f *Frontend) handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}
	cmd := strings.ToUpper(fields[0])

	if cmd == "QUERY" {
		if len(fields) < 3 {
			return "ERR usage: QUERY <defaultDb> <sql...>"
		}
		sqlText := strings.TrimSpace(line[strings.Index(line, fields[1])+len(fields[1]):])
		id := f.czar.NewUserQuery(sqlText, fields[1])
		return fmt.Sprintf("OK %d", id)
	}

	if cmd == "ADDCHUNK" {
		// ADDCHUNK <sessionId> <chunkId> <subIds|-> <resultTable> <queryTemplate...>
		if len(fields) < 6 {
			return "ERR usage: ADDCHUNK <sessionId> <chunkId> <subIds|-> <resultTable> <queryTemplate...>"
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return "ERR bad session id"
		}
		chunkID, err := strconv.ParseInt(fields[2], 10, 32)
		if err != nil {
			return "ERR bad chunk id"
		}
		var subIDs []int32
		if fields[3] != "-" {
			for _, s := range strings.Split(fields[3], ",") {
				v, err := strconv.ParseInt(s, 10, 32)
				if err != nil {
					return "ERR bad sub-chunk id"
				}
				subIDs = append(subIDs, int32(v))
			}
		}
		tmpl := strings.Join(fields[5:], " ")
		spec := qproc.ChunkSpec{
			ChunkID:     int32(chunkID),
			SubChunkIDs: subIDs,
			Fragments:   []qproc.FragmentTemplate{{ResultTable: fields[4], QueryTemplate: tmpl}},
		}
		if err := f.czar.AddChunk(id, spec); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"
	}

	if len(fields) != 2 {
		return "ERR usage: " + cmd + " <sessionId>"
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return "ERR bad session id"
	}

	switch cmd {
	case "SUBMIT":
		if err := f.czar.Submit(id); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"
	case "JOIN":
		state, err := f.czar.Join(id)
		if err != nil {
			return "ERR " + err.Error()
		}
		return "OK " + state.String()
	case "KILL":
		if err := f.czar.Kill(id); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"
	case "DISCARD":
		if err := f.czar.Discard(id); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"
	case "ERROR":
		return "OK " + f.czar.GetError(id)
	case "DESC":
		return "OK " + f.czar.GetExecDesc(id)
	default:
		return "ERR unknown command " + cmd
	}
}
