package qproc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuerySession_DuplicateSelectAlias(t *testing.T) {
	sql := "SELECT chunkId AS f1, pm_declErr AS f1 FROM Object"
	qs := NewQuerySession(sql, "testdb", nil)

	require.False(t, qs.Valid())
	err := qs.Error()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DUPLICATE_SELECT_EXPR")
	require.Contains(t, err.Error(), "f1")
	require.Contains(t, err.Error(), "1 2")
}

func TestQuerySession_ValidSelect(t *testing.T) {
	qs := NewQuerySession("SELECT chunkId FROM Object", "testdb", nil)
	require.True(t, qs.Valid())
	require.Nil(t, qs.Error())
	require.Equal(t, []string{"Object"}, qs.FromTables())
}

func TestInMemoryCatalog_ContainsTableAfterDrop(t *testing.T) {
	cat := NewInMemoryCatalog()
	cat.AddTable("testdb", "Object")
	require.True(t, cat.ContainsTable("testdb", "Object"))

	cat.DropDatabase("testdb")
	require.False(t, cat.ContainsTable("testdb", "Object"),
		"ContainsTable must return false after the owning database is dropped")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		sql  string
		want QueryType
	}{
		{"  select chunkId from Object  ;", TypeSelect},
		{"DROP TABLE mydb.Object", TypeDropTable},
		{"drop table Object", TypeDropTable},
		{"DROP DATABASE mydb", TypeDropDatabase},
		{"FLUSH QSERV_CHUNKS_CACHE", TypeFlushChunksCache},
		{"FLUSH QSERV_CHUNKS_CACHE FOR mydb", TypeFlushChunksCache},
		{"garbage nonsense", TypeInvalid},
	}
	for _, c := range cases {
		got := Classify(c.sql)
		require.Equal(t, c.want, got.Type, "sql=%q", c.sql)
	}

	c := Classify("DROP TABLE mydb.Object")
	require.Equal(t, "mydb", c.Db)
	require.Equal(t, "Object", c.Table)

	c = Classify("FLUSH QSERV_CHUNKS_CACHE FOR mydb")
	require.Equal(t, "mydb", c.Db)
}

func TestTaskMsgFactory_Build(t *testing.T) {
	f := NewTaskMsgFactory()
	spec := ChunkSpec{
		ChunkID:     7,
		SubChunkIDs: []int32{1, 2, 3},
		Fragments: []FragmentTemplate{
			{ResultTable: "r1", QueryTemplate: "SELECT * FROM Object_%CC% WHERE sc IN (%SS%)"},
			{ResultTable: "r2", QueryTemplate: "SELECT * FROM ObjectNext_%CC%"},
		},
	}

	msg := f.Build(42, "mydb", spec)
	require.Equal(t, int64(42), msg.Session)
	require.Equal(t, "mydb", msg.Db)
	require.Equal(t, int32(7), msg.ChunkID)
	require.Len(t, msg.Fragments, 2)
	require.Equal(t, "SELECT * FROM Object_7 WHERE sc IN (1,2,3)", msg.Fragments[0].Query)
	require.Equal(t, "SELECT * FROM ObjectNext_7", msg.Fragments[1].Query)
}

func TestEmptyChunks(t *testing.T) {
	ec := NewEmptyChunks()
	require.False(t, ec.IsEmpty("mydb", 5))

	ec.MarkEmpty("mydb", 5)
	require.True(t, ec.IsEmpty("mydb", 5))
	require.False(t, ec.IsEmpty("mydb", 6))
	require.False(t, ec.IsEmpty("otherdb", 5))

	ec.Clear("mydb")
	require.False(t, ec.IsEmpty("mydb", 5))
}
