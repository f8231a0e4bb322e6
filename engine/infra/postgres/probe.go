package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stepflow-io/stepflow/engine/advisor"
)

// Probe samples the pgx pool for the concurrency advisor: pool capacity as
// size, acquired connections as busy.
type Probe struct {
	pool *pgxpool.Pool
}

func NewProbe(pool *pgxpool.Pool) *Probe {
	return &Probe{pool: pool}
}

var _ advisor.PoolProbe = (*Probe)(nil)

func (p *Probe) Sample(_ context.Context) (advisor.Sample, error) {
	stat := p.pool.Stat()
	return advisor.Sample{
		Size: stat.MaxConns(),
		Busy: stat.AcquiredConns(),
	}, nil
}
