package czar

import (
	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/ccontrol"
	"github.com/jhoblitt/qserv/pkg/qproc"
)

// Czar is the handle-oriented coordinator API: every operation takes
// the integer session id handed out by NewUserQuery, so
// script-oriented front ends never hold object references.
type Czar struct {
	registry *Registry
	factory  *ccontrol.UserQueryFactory
	logger   *zap.Logger
}

// New constructs a Czar building queries through factory.
func New(factory *ccontrol.UserQueryFactory, logger *zap.Logger) *Czar {
	return &Czar{
		registry: NewRegistry(),
		factory:  factory,
		logger:   logger,
	}
}

// NewUserQuery classifies sqlText, builds the matching UserQuery, and
// registers it. The returned session id is valid even when the
// statement failed analysis; GetError retrieves the failure.
func (c *Czar) NewUserQuery(sqlText, defaultDb string) int64 {
	id := c.registry.Reserve()
	uq := c.factory.NewUserQuery(id, sqlText, defaultDb)
	c.registry.Put(id, uq)
	if c.logger != nil {
		c.logger.Info("new user query", zap.Int64("session", id), zap.String("db", defaultDb))
	}
	return id
}

// AddChunk attaches a ChunkSpec to the query; only valid before
// Submit.
func (c *Czar) AddChunk(id int64, spec qproc.ChunkSpec) error {
	uq, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	return uq.AddChunk(spec)
}

// Submit starts shard dispatch for the query.
func (c *Czar) Submit(id int64) error {
	uq, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	return uq.Submit()
}

// Join blocks until the query reaches a terminal state.
func (c *Czar) Join(id int64) (ccontrol.QueryState, error) {
	uq, err := c.registry.Get(id)
	if err != nil {
		return ccontrol.QueryError, err
	}
	return uq.Join(), nil
}

// Kill forces the query to CANCELLED. Idempotent.
func (c *Czar) Kill(id int64) error {
	uq, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	uq.Kill()
	return nil
}

// Discard releases the query's resources and removes its registry
// entry. Discarding an unknown (already discarded) session is a no-op.
func (c *Czar) Discard(id int64) error {
	uq, err := c.registry.Get(id)
	if err != nil {
		return nil
	}
	if err := uq.Discard(); err != nil {
		return err
	}
	c.registry.Remove(id)
	return nil
}

// GetError returns the query's recorded error message, or "" when
// none. For an unknown session it returns the registry's lookup error
// text.
func (c *Czar) GetError(id int64) string {
	uq, err := c.registry.Get(id)
	if err != nil {
		return err.Error()
	}
	return uq.GetError()
}

// GetExecDesc describes the query's execution state.
func (c *Czar) GetExecDesc(id int64) string {
	uq, err := c.registry.Get(id)
	if err != nil {
		return err.Error()
	}
	return uq.GetExecDesc()
}
