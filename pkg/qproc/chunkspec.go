package qproc

import (
	"strconv"
	"strings"
)

// FragmentTemplate is one link of a chain of sub-query fragments: a
// templated query with %CC%/%SS% placeholders substituted per
// chunk/sub-chunk, and the name of the result table it writes to on
// the worker before shipping back.
type FragmentTemplate struct {
	ResultTable   string
	QueryTemplate string
}

// ChunkSpec is the ordered sequence of (chunkId, sub-chunk ids,
// templated SQL per fragment) attached to a UserQuery before submit;
// immutable once attached.
type ChunkSpec struct {
	ChunkID     int32
	SubChunkIDs []int32
	Fragments   []FragmentTemplate
}

// Fragment is one rendered (placeholders substituted) query fragment,
// ready to ship to a worker.
type Fragment struct {
	ResultTable string
	Query       string
	SubChunks   []int32
}

// TaskMsg is the coordinator-to-worker task message.
type TaskMsg struct {
	Session   int64
	Db        string
	ChunkID   int32
	Fragments []Fragment
}

// TaskMsgFactory renders ChunkSpecs into TaskMsgs, emitting one
// Fragment per chain link and preserving chain order.
type TaskMsgFactory struct{}

func NewTaskMsgFactory() *TaskMsgFactory { return &TaskMsgFactory{} }

// Build renders spec into a TaskMsg for the given session/db.
func (f *TaskMsgFactory) Build(session int64, db string, spec ChunkSpec) *TaskMsg {
	msg := &TaskMsg{
		Session: session,
		Db:      db,
		ChunkID: spec.ChunkID,
	}
	for _, frag := range spec.Fragments {
		msg.Fragments = append(msg.Fragments, Fragment{
			ResultTable: frag.ResultTable,
			Query:       renderTemplate(frag.QueryTemplate, spec.ChunkID, spec.SubChunkIDs),
			SubChunks:   spec.SubChunkIDs,
		})
	}
	return msg
}

func renderTemplate(tmpl string, chunkID int32, subChunks []int32) string {
	out := strings.ReplaceAll(tmpl, "%CC%", strconv.Itoa(int(chunkID)))
	out = strings.ReplaceAll(out, "%SS%", joinInt32(subChunks))
	return out
}

func joinInt32(vals []int32) string {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = strconv.Itoa(int(v))
	}
	return strings.Join(strs, ",")
}
