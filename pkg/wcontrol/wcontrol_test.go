package wcontrol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jhoblitt/qserv/pkg/memman"
	"github.com/jhoblitt/qserv/pkg/qproc"
	"github.com/jhoblitt/qserv/pkg/wbase"
	"github.com/jhoblitt/qserv/pkg/wsched"
)

type recordingRunner struct {
	mu   sync.Mutex
	ran  []*wbase.Task
	done chan *wbase.Task
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{done: make(chan *wbase.Task, 16)}
}

func (r *recordingRunner) RunTask(_ context.Context, t *wbase.Task) error {
	r.mu.Lock()
	r.ran = append(r.ran, t)
	r.mu.Unlock()
	r.done <- t
	return nil
}

func (r *recordingRunner) waitFor(t *testing.T, n int) []*wbase.Task {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for task %d of %d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*wbase.Task(nil), r.ran...)
}

func scanInfo(rating int32) wbase.ScanInfo {
	return wbase.ScanInfo{InfoTables: []wbase.TableInfo{{Db: "db", Table: "Object", ScanRating: rating}}}
}

func TestForeman_RunsSlowestTableFirst(t *testing.T) {
	mm := memman.NewRefCountMemMan(1000)
	sched := wsched.NewChunkTasksQueue(mm, 1, nil)
	runner := newRecordingRunner()
	foreman, err := NewForeman(sched, runner, mm, 1, nil)
	require.NoError(t, err)
	defer foreman.Stop()

	fast := wbase.NewTask(1, 1, 3, scanInfo(100))
	slow := wbase.NewTask(1, 2, 3, scanInfo(1))
	foreman.Queue(fast)
	foreman.Queue(slow)

	require.NoError(t, foreman.Start())

	ran := runner.waitFor(t, 2)
	require.Same(t, slow, ran[0])
	require.Same(t, fast, ran[1])
	require.Equal(t, 0, sched.TaskCount())
}

func TestForeman_SkipsCancelledTask(t *testing.T) {
	mm := memman.NewRefCountMemMan(1000)
	sched := wsched.NewChunkTasksQueue(mm, 1, nil)
	runner := newRecordingRunner()
	foreman, err := NewForeman(sched, runner, mm, 1, nil)
	require.NoError(t, err)
	defer foreman.Stop()

	cancelled := wbase.NewTask(1, 1, 3, scanInfo(10))
	cancelled.Cancel()
	kept := wbase.NewTask(1, 2, 3, scanInfo(20))
	foreman.Queue(cancelled)
	foreman.Queue(kept)

	require.NoError(t, foreman.Start())

	ran := runner.waitFor(t, 1)
	require.Same(t, kept, ran[0])
}

func TestSession_RejectsUnknownResource(t *testing.T) {
	mm := memman.NewRefCountMemMan(1000)
	sched := wsched.NewChunkTasksQueue(mm, 1, nil)
	foreman, err := NewForeman(sched, newRecordingRunner(), mm, 1, nil)
	require.NoError(t, err)
	defer foreman.Stop()

	validator := NewChunkSetValidator([]int32{1, 2})
	sess := NewSession(foreman, validator, &StaticScanSource{}, nil)

	msg := &qproc.TaskMsg{Session: 1, Db: "testdb", ChunkID: 99}
	err = sess.ProcessRequest(msg, nil, 0)
	require.Error(t, err)
	require.Equal(t, 0, sched.TaskCount())
}

func TestSession_CancelRemovesQueuedTasks(t *testing.T) {
	mm := memman.NewRefCountMemMan(1000)
	sched := wsched.NewChunkTasksQueue(mm, 1, nil)
	foreman, err := NewForeman(sched, newRecordingRunner(), mm, 1, nil)
	require.NoError(t, err)
	// foreman deliberately not started: tasks stay queued.

	validator := NewChunkSetValidator([]int32{5})
	sess := NewSession(foreman, validator, &StaticScanSource{Tables: []wbase.TableInfo{{Table: "Object", ScanRating: 10}}}, nil)

	for i := 0; i < 3; i++ {
		msg := &qproc.TaskMsg{Session: 1, Db: "testdb", ChunkID: 5}
		require.NoError(t, sess.ProcessRequest(msg, nil, 0))
	}
	require.Equal(t, 3, sched.TaskCount())

	sess.RequestFinished(true)
	require.Equal(t, 0, sched.TaskCount())
	require.Equal(t, 0, sess.TaskCount())

	foreman.Stop()
}

func TestSession_UnprovisionRefusesNewRequests(t *testing.T) {
	mm := memman.NewRefCountMemMan(1000)
	sched := wsched.NewChunkTasksQueue(mm, 1, nil)
	foreman, err := NewForeman(sched, newRecordingRunner(), mm, 1, nil)
	require.NoError(t, err)
	defer foreman.Stop()

	sess := NewSession(foreman, NewChunkSetValidator([]int32{5}), &StaticScanSource{}, nil)
	sess.Unprovision(true)

	msg := &qproc.TaskMsg{Session: 1, Db: "testdb", ChunkID: 5}
	require.Error(t, sess.ProcessRequest(msg, nil, 0))
}

func TestChunkSetValidator(t *testing.T) {
	v := NewChunkSetValidator([]int32{7})
	require.True(t, v.Accept(ChunkResourceName("testdb", 7)))
	require.False(t, v.Accept(ChunkResourceName("testdb", 8)))
	require.False(t, v.Accept("garbage"))
}
