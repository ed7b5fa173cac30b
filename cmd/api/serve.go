package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"driving-school-jobs/internal/api"
	"driving-school-jobs/internal/auth"
	"driving-school-jobs/internal/config"
	"driving-school-jobs/internal/jobs"
	"driving-school-jobs/internal/queue"
	"driving-school-jobs/internal/ratelimit"
	"driving-school-jobs/internal/realtime"
)

// ServeCmd runs the HTTP API and the realtime gateway on one listener.
type ServeCmd struct {
	Port string `help:"Override HTTP_PORT"`
}

func (s *ServeCmd) Run(ctx context.Context, cfg config.Config) error {
	if s.Port != "" {
		cfg.HTTPPort = s.Port
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb := newRedis(cfg)
	defer rdb.Close()

	publisher, rq, err := openPublisher(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if rq != nil {
		go sampleDepth(ctx, rq, queue.AllNames(cfg.QueuePrefix), 15*time.Second)
	}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL)
	if err != nil {
		return err
	}
	authn := auth.NewAuthenticator(tokens, st)
	hub := realtime.NewHub(realtime.Config{
		SendBuffer:     cfg.RealtimeSendBuffer,
		PingPeriod:     cfg.RealtimePingPeriod,
		CatchUpScope:   cfg.CatchUpScope,
		AllowedOrigins: cfg.RealtimeAllowedOrigins,
	}, authn, st)
	defer hub.Close()

	svc := jobs.NewService(st, publisher, hub, cfg.QueuePrefix)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server, err := api.New(svc, authn, auth.NewSessionManager(tokens, st), hub, limiter, cfg.CallbackAllowCIDRs)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Str("queue", cfg.QueueDriver).Msg("API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
