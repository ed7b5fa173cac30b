package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"driving-school-jobs/internal/config"
	"driving-school-jobs/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Serve         ServeCmd         `cmd:"" default:"1" help:"Run the HTTP API and realtime gateway"`
		Migrate       MigrateCmd       `cmd:"" help:"Apply database migrations"`
		PruneSessions PruneSessionsCmd `cmd:"" help:"Delete expired sessions"`
		IssueSession  IssueSessionCmd  `cmd:"" help:"Log a user in and print the bearer token"`
		Version       kong.VersionFlag
	}
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger.Setup(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("api"),
		kong.Description("Driving school job API and realtime gateway."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(cfg)
	cmd.FatalIfErrorf(err)
}
