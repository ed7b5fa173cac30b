package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/config"
	"driving-school-jobs/internal/logger"
	"driving-school-jobs/internal/models"
	"driving-school-jobs/internal/queue"
	"driving-school-jobs/internal/telemetry"
	workerproc "driving-school-jobs/internal/worker"
)

var (
	version = "dev"
	cli     struct {
		Run     RunCmd `cmd:"" default:"1" help:"Consume the job queues and report progress to the API"`
		Version kong.VersionFlag
	}
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger.Setup(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("worker"),
		kong.Description("Reference worker for driving school jobs."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(cfg)
	cmd.FatalIfErrorf(err)
}

// RunCmd consumes every job queue until interrupted.
type RunCmd struct {
	Concurrency int    `help:"Override WORKER_CONCURRENCY"`
	MetricsAddr string `help:"Address for the Prometheus endpoint" default:":9091"`
}

func (r *RunCmd) Run(ctx context.Context, cfg config.Config) error {
	if r.Concurrency > 0 {
		cfg.WorkerConcurrency = r.Concurrency
	}

	consumer, closeConsumer, err := openConsumer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeConsumer()

	uploader, err := workerproc.NewUploader(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init uploader: %w", err)
	}
	reporter := workerproc.NewHTTPReporter(workerproc.ReporterConfig{
		BaseURL:         cfg.APIBaseURL,
		MaxAttempts:     cfg.CallbackMaxAttempts,
		InitialInterval: cfg.BackoffInitial,
		MaxInterval:     cfg.BackoffMax,
	})

	processor := workerproc.NewProcessor(consumer, queue.AllNames(cfg.QueuePrefix), reporter, workerproc.Options{
		Concurrency:        cfg.WorkerConcurrency,
		ResubscribeInitial: cfg.BrokerConnectInitial,
		ResubscribeMax:     cfg.BrokerConnectMaxInterval,
	})
	handler := workerproc.NewSimulatedHandler(uploader, cfg.WorkerStepDelay)
	for _, jt := range models.JobTypes {
		processor.RegisterHandler(jt, handler.Handle)
	}

	if r.MetricsAddr != "" {
		metrics := &http.Server{Addr: r.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
		defer metrics.Close()
	}

	log.Info().
		Str("queue_driver", cfg.QueueDriver).
		Int("concurrency", cfg.WorkerConcurrency).
		Str("api", cfg.APIBaseURL).
		Msg("Worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Worker stopped")
	return nil
}

func openConsumer(ctx context.Context, cfg config.Config) (queue.Consumer, func(), error) {
	switch cfg.QueueDriver {
	case "amqp":
		broker := queue.NewAMQPBroker(queue.AMQPConfig{
			URL:             cfg.AMQPURL,
			AppID:           "driving-school-worker",
			InitialInterval: cfg.BrokerConnectInitial,
			MaxInterval:     cfg.BrokerConnectMaxInterval,
			MaxElapsed:      cfg.BrokerConnectMaxElapsed,
		}, nil)
		if err := broker.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return broker, func() { _ = broker.Close() }, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return queue.NewRedisQueue(rdb, 0), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}
}
