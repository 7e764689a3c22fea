package workers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/domain"
)

// IngestHandler parses and routes one raw webhook delivery.
type IngestHandler func(ctx context.Context, token string, body []byte) (domain.Action, error)

// IngestPool bounds how many webhook deliveries are routed concurrently,
// so a TradingView alert burst can't spawn an unbounded number of router
// gate evaluations at once.
type IngestPool struct {
	pool    *Pool
	handler IngestHandler
}

func NewIngestPool(workers, queueSize int, handler IngestHandler, log zerolog.Logger) *IngestPool {
	return &IngestPool{pool: New("ingest", workers, queueSize, log), handler: handler}
}

// Submit enqueues one webhook delivery; false means the queue was full and
// the delivery was dropped (counted in the pool's dropped total).
func (p *IngestPool) Submit(token string, body []byte) bool {
	return p.pool.Submit(func(ctx context.Context) {
		if _, err := p.handler(ctx, token, body); err != nil {
			p.pool.log.Error().Err(err).Str("token", token).Msg("ingest task failed")
		}
	})
}

func (p *IngestPool) Run(ctx context.Context, workerCount int) { p.pool.Run(ctx, workerCount) }
func (p *IngestPool) Status() Status                           { return p.pool.Status() }
