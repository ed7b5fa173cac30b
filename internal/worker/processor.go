package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/jobs"
	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/queue"
	"driving-school-jobs/internal/telemetry"
)

// Outcome labels for the worker jobs counter.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRequeued  = "requeued"
	outcomeDropped   = "dropped"
)

// Processor drives the worker execution loop.
type Processor struct {
	consumer    queue.Consumer
	queues      []string
	reporter    Reporter
	handlers    map[models.JobType]Handler
	concurrency int

	// resubscribe bounds the delay between Consume attempts.
	resubscribeInitial time.Duration
	resubscribeMax     time.Duration

	seq atomic.Int64
}

// Options tunes a Processor. Zero values select defaults.
type Options struct {
	Concurrency        int
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
}

func NewProcessor(consumer queue.Consumer, queues []string, reporter Reporter, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ResubscribeInitial <= 0 {
		opts.ResubscribeInitial = time.Second
	}
	if opts.ResubscribeMax <= 0 {
		opts.ResubscribeMax = 30 * time.Second
	}
	return &Processor{
		consumer:           consumer,
		queues:             queues,
		reporter:           reporter,
		handlers:           make(map[models.JobType]Handler),
		concurrency:        opts.Concurrency,
		resubscribeInitial: opts.ResubscribeInitial,
		resubscribeMax:     opts.ResubscribeMax,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run consumes until ctx is cancelled, subscribing again whenever the delivery
// stream closes underneath it.
func (p *Processor) Run(ctx context.Context) error {
	for {
		deliveries, err := p.subscribe(ctx)
		if err != nil {
			return err
		}
		p.drain(ctx, deliveries)
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Warn().Strs("queues", p.queues).Msg("Delivery stream closed, resubscribing")
	}
}

func (p *Processor) subscribe(ctx context.Context) (<-chan queue.Delivery, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.resubscribeInitial
	policy.MaxInterval = p.resubscribeMax
	return backoff.Retry(ctx, func() (<-chan queue.Delivery, error) {
		return p.consumer.Consume(ctx, p.queues...)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Subscribe failed")
		}),
	)
}

func (p *Processor) drain(ctx context.Context, deliveries <-chan queue.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				p.process(ctx, d)
			}
		}()
	}
	wg.Wait()
}

func (p *Processor) process(ctx context.Context, d queue.Delivery) {
	logger := log.With().Str("queue", d.Queue).Str("job_id", d.Message.ID).Logger()

	task, err := newTask(d.Queue, d.Message)
	if task.JobID == "" {
		logger.Error().Err(err).Msg("Dropping message without job id")
		p.settle(logger, d, false, outcomeDropped)
		return
	}

	var result json.RawMessage
	if err == nil {
		result, err = p.execute(ctx, task)
	}
	if ctx.Err() != nil {
		p.settle(logger, d, true, outcomeRequeued)
		return
	}

	final := jobs.Envelope{Outcome: models.OutcomeCompleted, Progress: 100, Message: "completed", Result: result, Sequence: p.next()}
	outcome := outcomeCompleted
	if err != nil {
		logger.Warn().Err(err).Msg("Job failed")
		final = jobs.Envelope{Outcome: models.OutcomeFailed, Message: err.Error(), Sequence: p.next()}
		outcome = outcomeFailed
	}

	rerr := p.reporter.Report(ctx, task.JobID, final)
	if errors.Is(rerr, ErrStaleReport) {
		rerr = p.confirmTerminal(ctx, task.JobID)
	}
	if rerr != nil {
		logger.Error().Err(rerr).Msg("Final report failed, requeueing")
		p.settle(logger, d, true, outcomeRequeued)
		return
	}
	p.settle(logger, d, false, outcome)
}

// confirmTerminal accepts a superseded final report only when the stored job has
// already finished. Otherwise the redelivery reports again with a later sequence.
func (p *Processor) confirmTerminal(ctx context.Context, jobID string) error {
	job, err := p.reporter.Lookup(ctx, jobID)
	if err != nil {
		return fmt.Errorf("look up superseded job: %w", err)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("final report superseded but job is %s", job.Status)
	}
	log.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Final report superseded by a finished job")
	return nil
}

func (p *Processor) execute(ctx context.Context, task Task) (json.RawMessage, error) {
	handler, ok := p.handlers[task.Data.JobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for type %q", task.Data.JobType)
	}
	return handler(ctx, task, func(ctx context.Context, progress int, message string) error {
		env := jobs.Envelope{Outcome: models.OutcomeProgress, Progress: progress, Message: message, Sequence: p.next()}
		err := p.reporter.Report(ctx, task.JobID, env)
		if errors.Is(err, ErrStaleReport) {
			log.Debug().Str("job_id", task.JobID).Int("progress", progress).Msg("Progress report superseded")
			return nil
		}
		return err
	})
}

// settle acks the delivery, or nacks it when requeue is set.
func (p *Processor) settle(logger zerolog.Logger, d queue.Delivery, requeue bool, outcome string) {
	var err error
	switch {
	case requeue:
		err = d.Nack(true)
	case outcome == outcomeDropped:
		err = d.Nack(false)
	default:
		err = d.Ack()
	}
	if err != nil {
		logger.Error().Err(err).Str("outcome", outcome).Msg("Settling delivery failed")
	}
	telemetry.WorkerJobs.WithLabelValues(outcome).Inc()
	logger.Info().Str("outcome", outcome).Msg("Job settled")
}

// next stamps a report with the wall clock in nanoseconds, bumped past the last value
// this process handed out. Workers on other processes stay ordered as far as their
// clocks agree.
func (p *Processor) next() int64 {
	for {
		last := p.seq.Load()
		seq := time.Now().UnixNano()
		if seq <= last {
			seq = last + 1
		}
		if p.seq.CompareAndSwap(last, seq) {
			return seq
		}
	}
}
