package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/auth"
	"driving-school-jobs/internal/config"
	"driving-school-jobs/internal/queue"
	"driving-school-jobs/internal/store"
)

type dataStore interface {
	store.JobStore
	store.SessionStore
}

// openStore returns the driver selected by STORE_DRIVER and its close func.
// Postgres is migrated before use.
func openStore(ctx context.Context, cfg config.Config) (dataStore, func(), error) {
	opts := []store.Option{store.WithSequenceGuard(cfg.EnforceProgressSequence)}
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		return store.NewMemoryStore(opts...), func() {}, nil
	case "postgres":
		st, err := openPostgres(ctx, cfg, opts...)
		if err != nil {
			return nil, nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func openPostgres(ctx context.Context, cfg config.Config, opts ...store.Option) (*store.Store, error) {
	st, err := store.New(ctx, cfg.PostgresDSN, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, nil
}

func newRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// openPublisher connects the driver selected by QUEUE_DRIVER. An AMQP broker that stays
// unreachable past BROKER_CONNECT_MAX_ELAPSED is an error.
func openPublisher(ctx context.Context, cfg config.Config, rdb *redis.Client) (queue.Publisher, *queue.RedisQueue, error) {
	switch cfg.QueueDriver {
	case "amqp":
		broker := queue.NewAMQPBroker(queue.AMQPConfig{
			URL:             cfg.AMQPURL,
			AppID:           "driving-school-api",
			InitialInterval: cfg.BrokerConnectInitial,
			MaxInterval:     cfg.BrokerConnectMaxInterval,
			MaxElapsed:      cfg.BrokerConnectMaxElapsed,
		}, nil)
		if err := broker.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return broker, nil, nil
	case "redis":
		rq := queue.NewRedisQueue(rdb, 0)
		return rq, rq, nil
	default:
		return nil, nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}
}

// sampleDepth refreshes the queue depth gauge until ctx ends.
func sampleDepth(ctx context.Context, rq *queue.RedisQueue, names []string, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range names {
				if _, err := rq.Depth(ctx, name); err != nil {
					log.Debug().Err(err).Str("queue", name).Msg("Queue depth sample failed")
				}
			}
		}
	}
}

// MigrateCmd applies the embedded SQL migrations.
type MigrateCmd struct{}

func (m *MigrateCmd) Run(ctx context.Context, cfg config.Config) error {
	st, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info().Msg("Migrations applied")
	return nil
}

// PruneSessionsCmd deletes expired sessions.
type PruneSessionsCmd struct{}

func (p *PruneSessionsCmd) Run(ctx context.Context, cfg config.Config) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL)
	if err != nil {
		return err
	}
	n, err := auth.NewSessionManager(tokens, st).PruneExpired(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("deleted", n).Msg("Expired sessions pruned")
	return nil
}

// IssueSessionCmd creates a session the way the back office login does and prints its token.
type IssueSessionCmd struct {
	UserID   int64  `help:"User id" required:""`
	UserType string `help:"User type" enum:"admin,owner,manager" default:"owner"`
	SchoolID int64  `help:"School id, ignored for admins"`
}

func (i *IssueSessionCmd) Run(ctx context.Context, cfg config.Config) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL)
	if err != nil {
		return err
	}
	sess, err := auth.NewSessionManager(tokens, st).Login(ctx, i.UserID, i.UserType, i.SchoolID)
	if err != nil {
		return err
	}
	fmt.Println(sess.Token)
	log.Info().Time("expires_at", sess.ExpiresAt).Msg("Session issued")
	return nil
}
