package czar

import (
	"bufio"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrontend_QueryLifecycle(t *testing.T) {
	f := NewFrontend(newTestCzar(&countingMerger{}), nil)
	require.NoError(t, f.Start("127.0.0.1:0"))
	defer f.Stop()

	conn, err := net.Dial("tcp", f.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	send := func(cmd string) string {
		_, err := fmt.Fprintln(conn, cmd)
		require.NoError(t, err)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line[:len(line)-1]
	}

	var id int64
	resp := send("QUERY testdb SELECT chunkId FROM Object")
	_, err = fmt.Sscanf(resp, "OK %d", &id)
	require.NoError(t, err, "unexpected reply %q", resp)

	require.Equal(t, "OK", send(fmt.Sprintf("ADDCHUNK %d 1 - r SELECT chunkId FROM Object_%%CC%%", id)))
	require.Equal(t, "OK", send(fmt.Sprintf("SUBMIT %d", id)))
	require.Equal(t, "OK SUCCESS", send(fmt.Sprintf("JOIN %d", id)))
	require.Equal(t, "OK", send(fmt.Sprintf("DISCARD %d", id)))
}

func TestFrontend_BadCommands(t *testing.T) {
	f := NewFrontend(newTestCzar(&countingMerger{}), nil)
	require.NoError(t, f.Start("127.0.0.1:0"))
	defer f.Stop()

	conn, err := net.Dial("tcp", f.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	send := func(cmd string) string {
		fmt.Fprintln(conn, cmd)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line[:len(line)-1]
	}

	require.Contains(t, send("BOGUS 1"), "ERR")
	require.Contains(t, send("SUBMIT notanumber"), "ERR")
	require.Contains(t, send("JOIN 9999"), "ERR")
}
