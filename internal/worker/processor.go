package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"image-upload-pipeline/internal/config"
	"image-upload-pipeline/internal/models"
	"image-upload-pipeline/internal/queue"
	"image-upload-pipeline/internal/telemetry"
)

// leaseMargin is added to the hard limit when extending a lease so an attempt that runs to the
// limit is abandoned before the queue hands the job to someone else.
const leaseMargin = 30 * time.Second

// Pipeline processes one upload.
type Pipeline interface {
	Process(ctx context.Context, uploadID string) error
}

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    queue.Consumer
	pipeline Pipeline
	sweeper  *Sweeper
}

// NewProcessor builds a processor. sweeper may be nil.
func NewProcessor(cfg config.Config, q queue.Consumer, p Pipeline, sweeper *Sweeper) *Processor {
	return &Processor{cfg: cfg, queue: q, pipeline: p, sweeper: sweeper}
}

// Run starts WorkerConcurrency consume loops and the retention sweeper, and blocks until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		slot := i
		g.Go(func() error {
			p.loop(ctx, slot)
			return nil
		})
	}
	if p.sweeper != nil {
		g.Go(func() error {
			p.sweeper.Run(ctx)
			return nil
		})
	}
	log.Info().Int("concurrency", n).
		Dur("soft_limit", p.cfg.JobSoftTimeLimit).
		Dur("hard_limit", p.cfg.JobHardTimeLimit).
		Int("max_retries", p.cfg.MaxRetries).
		Msg("worker started")
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, slot int) {
	logger := log.With().Int("slot", slot).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		d, ok, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("receive from queue")
			p.wait(ctx)
			continue
		}
		if !ok {
			p.reportDepth(ctx)
			p.wait(ctx)
			continue
		}
		p.handle(ctx, d)
	}
}

func (p *Processor) wait(ctx context.Context) {
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	t := time.NewTimer(poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Processor) reportDepth(ctx context.Context) {
	dr, ok := p.queue.(queue.DepthReporter)
	if !ok {
		return
	}
	if depth, err := dr.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// handle runs one delivery and settles it with the queue.
func (p *Processor) handle(ctx context.Context, d queue.Delivery) {
	logger := log.With().Str("upload_id", d.UploadID).Int("attempt", d.Attempt).Logger()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.queue.ExtendLease(ctx, d, p.cfg.JobHardTimeLimit+leaseMargin); err != nil {
		logger.Warn().Err(err).Msg("extend lease")
	}

	finished, err := p.run(ctx, d.UploadID)
	if !finished {
		telemetry.JobsAbandoned.Inc()
		logger.Error().Dur("hard_limit", p.cfg.JobHardTimeLimit).Msg("attempt exceeded hard time limit, abandoning")
		// not acked: a leased job is redelivered when the lease expires, other backends are told
		if a, ok := p.queue.(queue.Abandoner); ok {
			if aerr := a.Abandon(context.WithoutCancel(ctx), d, leaseMargin); aerr != nil {
				logger.Error().Err(aerr).Msg("hand back abandoned job")
			}
		}
		return
	}
	p.settle(context.WithoutCancel(ctx), logger, d, err)
}

// run executes the pipeline under the soft limit and stops waiting at the hard limit.
func (p *Processor) run(ctx context.Context, uploadID string) (bool, error) {
	softCtx, cancel := context.WithTimeout(ctx, p.cfg.JobSoftTimeLimit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.pipeline.Process(softCtx, uploadID)
	}()

	hard := time.NewTimer(p.cfg.JobHardTimeLimit)
	defer hard.Stop()
	select {
	case err := <-done:
		return true, err
	case <-hard.C:
		return false, nil
	}
}

func (p *Processor) settle(ctx context.Context, logger zerolog.Logger, d queue.Delivery, err error) {
	switch {
	case err == nil:
		telemetry.JobsCompleted.Inc()
		if aerr := p.queue.Ack(ctx, d); aerr != nil {
			logger.Error().Err(aerr).Msg("ack completed job")
		}
	case !models.Retryable(err):
		telemetry.JobsFailed.Inc()
		logger.Warn().Err(err).Msg("job failed permanently")
		if aerr := p.queue.Ack(ctx, d); aerr != nil {
			logger.Error().Err(aerr).Msg("ack failed job")
		}
	case d.Attempt > p.cfg.MaxRetries:
		telemetry.JobsDeadLetter.Inc()
		logger.Error().Err(err).Msg("retries exhausted, moving to dead letter queue")
		if qerr := p.queue.DeadLetter(ctx, d, err.Error()); qerr != nil {
			logger.Error().Err(qerr).Msg("dead letter job")
		}
	default:
		delay := backoffWithJitter(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, d.Attempt)
		telemetry.JobsRetried.Inc()
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, scheduling retry")
		if qerr := p.queue.Retry(ctx, d, delay); qerr != nil {
			logger.Error().Err(qerr).Msg("schedule retry")
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
