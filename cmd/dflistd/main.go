package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mtingers/dflistd/internal/broker"
	"github.com/mtingers/dflistd/internal/config"
	"github.com/mtingers/dflistd/internal/server"
	"github.com/mtingers/dflistd/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	st := store.New(store.Limits{
		MaxKeys:       cfg.MaxKeys,
		MaxListLength: cfg.MaxListLength,
	}, log)
	b := broker.New(st, cfg, log)
	st.OnUpdate(b.NotifyUpdated)
	srv := server.New(st, b, cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := srv.Run(ctx)
	if err := b.Close(); err != nil {
		log.Warn("broker close", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("server error", "err", runErr)
		os.Exit(1)
	}
}
