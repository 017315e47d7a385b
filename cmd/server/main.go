// Package main provides the entry point for the web server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/goceleris/tinyweb/internal/config"
	"github.com/goceleris/tinyweb/internal/logsink"
	"github.com/goceleris/tinyweb/internal/stats"
	"github.com/goceleris/tinyweb/internal/userdb"
)

const statsInterval = time.Minute

// deps are the collaborators shared by the reactor and the admin API.
type deps struct {
	store  *userdb.Store
	users  *userdb.Users
	stats  *stats.Stats
	logger *slog.Logger
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SSMPrefix != "" {
		overlaySSM(ctx, cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logsink.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	var out io.Writer = os.Stderr
	switch {
	case cfg.CloseLog:
		out = io.Discard
	case cfg.LogDir != "":
		sink, err := logsink.Open(logsink.Config{
			Dir:        cfg.LogDir,
			Name:       cfg.LogName,
			Async:      cfg.LogAsync,
			QueueSize:  cfg.LogQueueSize,
			SplitLines: cfg.LogSplitLines,
			Mirror:     os.Stdout,
		})
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
		defer func() { _ = sink.Close() }()
		out = sink
	}
	logger := logsink.NewLogger(out, level)
	slog.SetDefault(logger)

	store, err := userdb.Open(userdb.Config{Dir: cfg.DataDir, PoolSize: cfg.SQLNum})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close user store", "error", err)
		}
	}()

	users := userdb.NewUsers(cfg.BcryptCost)
	var loaded int
	err = store.With(ctx, func(h *userdb.Handle) error {
		n, err := users.Load(h)
		loaded = n
		return err
	})
	if err != nil {
		return err
	}
	logger.Info("user table loaded", "users", loaded, "dir", cfg.DataDir)

	st := stats.New()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		store.RunGC(ctx)
	}()
	go func() {
		defer wg.Done()
		st.Run(ctx, statsInterval, logger)
	}()
	defer wg.Wait()
	defer cancel()

	logger.Info("starting web server",
		"addr", cfg.Addr(),
		"trig_mode", cfg.TrigMode,
		"actor_model", cfg.ActorModel,
		"threads", cfg.ThreadNum,
		"linger", cfg.Linger)

	return serve(ctx, cfg, deps{store: store, users: users, stats: st, logger: logger})
}

// overlaySSM applies Parameter Store values. Failures only warn so the server
// still starts from flags and environment.
func overlaySSM(ctx context.Context, cfg *config.Config) {
	loader, err := config.NewLoader(ctx, cfg.Region)
	if err != nil {
		slog.Warn("failed to create SSM loader", "error", err)
		return
	}
	n, err := loader.Overlay(ctx, cfg, cfg.SSMPrefix)
	if err != nil {
		slog.Warn("failed to load config from SSM", "prefix", cfg.SSMPrefix, "error", err)
		return
	}
	slog.Info("loaded config from SSM", "prefix", cfg.SSMPrefix, "applied", n)
}
