package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/futures-core/internal/domain"
	"github.com/aristath/futures-core/internal/exec"
)

// ExecHandler runs one resolved execution task against a broker.
type ExecHandler func(ctx context.Context, task exec.Task) error

// ExecPool is the exec-side worker pool the Signal Router enqueues onto.
// Unlike IngestPool, Enqueue applies bounded backpressure
// (SubmitWait) rather than dropping immediately: a signal that has already
// passed every filter gate and been persisted deserves a short wait for
// queue room before being rejected, since rejecting it here means the
// trader's order never goes out at all.
type ExecPool struct {
	pool     *Pool
	handler  ExecHandler
	deadline time.Duration
}

func NewExecPool(workers, queueSize int, enqueueDeadline time.Duration, handler ExecHandler, log zerolog.Logger) *ExecPool {
	return &ExecPool{
		pool:     New("exec", workers, queueSize, log),
		handler:  handler,
		deadline: enqueueDeadline,
	}
}

// Enqueue blocks up to the configured deadline for room in the queue,
// returning an ErrTimeout error when the pool stays saturated past that
// window; the task is then dropped.
func (p *ExecPool) Enqueue(task exec.Task) error {
	ok := p.pool.SubmitWait(context.Background(), func(ctx context.Context) {
		if err := p.handler(ctx, task); err != nil {
			p.pool.log.Error().Err(err).Int64("trader_id", task.Trader.ID).Msg("exec task failed")
		}
	}, p.deadline)
	if !ok {
		return domain.NewError(domain.ErrTimeout, "exec queue saturated", nil)
	}
	return nil
}

func (p *ExecPool) Run(ctx context.Context, workerCount int) { p.pool.Run(ctx, workerCount) }
func (p *ExecPool) Status() Status                           { return p.pool.Status() }
