package ccontrol

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/proto"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// UserQueryFactory classifies SQL and builds the matching UserQuery
// implementation, holding interface abstractions over its delegates.
type UserQueryFactory struct {
	catalog    qproc.Catalog
	mergeDB    *sql.DB
	dispatcher Dispatcher
	codec      *proto.Codec
	emptyChunks *qproc.EmptyChunks
	taskFactory *qproc.TaskMsgFactory
	logger     *zap.Logger

	// mergerFor is injected so tests and real deployments can plug in
	// rproc.InfileMerger (or a fake) without this package depending on
	// rproc directly.
	mergerFor func(sessionID int64) (MergerDiscarder, error)
	metaFor   func(sessionID int64) QueryMetadata
}

// Config bundles UserQueryFactory's dependencies.
type Config struct {
	Catalog     qproc.Catalog
	MergeDB     *sql.DB
	Dispatcher  Dispatcher
	Codec       *proto.Codec
	EmptyChunks *qproc.EmptyChunks
	TaskFactory *qproc.TaskMsgFactory
	Logger      *zap.Logger
	MergerFor   func(sessionID int64) (MergerDiscarder, error)
	MetaFor     func(sessionID int64) QueryMetadata
}

// NewUserQueryFactory constructs a factory from cfg.
func NewUserQueryFactory(cfg Config) *UserQueryFactory {
	if cfg.Codec == nil {
		cfg.Codec = proto.NewCodec()
	}
	if cfg.TaskFactory == nil {
		cfg.TaskFactory = qproc.NewTaskMsgFactory()
	}
	return &UserQueryFactory{
		catalog:     cfg.Catalog,
		mergeDB:     cfg.MergeDB,
		dispatcher:  cfg.Dispatcher,
		codec:       cfg.Codec,
		emptyChunks: cfg.EmptyChunks,
		taskFactory: cfg.TaskFactory,
		logger:      cfg.Logger,
		mergerFor:   cfg.MergerFor,
		metaFor:     cfg.MetaFor,
	}
}

// NewUserQuery classifies sql and constructs the matching UserQuery.
// For SELECT it builds a QuerySession, analyzes the query (analysis
// errors are captured, not raised: the session stays constructable so
// error retrieval works through the handle-based API), allocates an
// executive and a merger, and returns a UserQuerySelect. For DROP/
// FLUSH it constructs the matching action. Anything else yields
// UserQueryInvalid.
func (f *UserQueryFactory) NewUserQuery(sessionID int64, sqlText, defaultDb string) UserQuery {
	class := qproc.Classify(sqlText)

	switch class.Type {
	case qproc.TypeSelect:
		qs := qproc.NewQuerySession(sqlText, defaultDb, f.catalog)

		var merger MergerDiscarder
		if f.mergerFor != nil {
			m, err := f.mergerFor(sessionID)
			if err == nil {
				merger = m
			}
		}
		executive := NewExecutive(f.dispatcher, merger, f.codec, f.logger)

		var meta QueryMetadata
		if f.metaFor != nil {
			meta = f.metaFor(sessionID)
		}

		return NewUserQuerySelect(sessionID, defaultDb, qs, executive, merger, meta, f.taskFactory, f.logger)

	case qproc.TypeDropTable:
		db := class.Db
		if db == "" {
			db = defaultDb
		}
		return NewUserQueryDrop(f.mergeDB, db, class.Table)

	case qproc.TypeDropDatabase:
		return NewUserQueryDrop(f.mergeDB, class.Db, "")

	case qproc.TypeFlushChunksCache:
		return NewUserQueryFlush(f.emptyChunks, class.Db)

	default:
		return NewUserQueryInvalid(class.Message)
	}
}
