//go:build linux

package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/goceleris/tinyweb/internal/admin"
	"github.com/goceleris/tinyweb/internal/config"
	"github.com/goceleris/tinyweb/internal/server"
	"github.com/goceleris/tinyweb/internal/threadpool"
)

// serve runs the reactor, and the admin API when configured, until a
// termination signal arrives or ctx is done.
func serve(ctx context.Context, cfg *config.Config, d deps) error {
	mode, err := threadpool.ParseMode(cfg.ActorModel)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		Addr:        cfg.Addr(),
		DocRoot:     cfg.DocRoot,
		Linger:      cfg.Linger,
		ListenET:    cfg.ListenET(),
		ConnET:      cfg.ConnET(),
		Mode:        mode,
		Workers:     cfg.ThreadNum,
		MaxRequests: cfg.MaxRequests,
		TimeSlot:    cfg.TimeSlot,
		MaxFD:       cfg.MaxFD,
		Signals:     true,
		Store:       d.store,
		Users:       d.users,
		Stats:       d.stats,
		Logger:      d.logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if cfg.AdminAddr != "" {
		api := admin.New(admin.Config{
			Stats:  d.stats,
			Users:  d.users,
			Store:  d.store,
			Pool:   srv.Pool(),
			APIKey: cfg.AdminKey,
			Logger: d.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.Run(ctx, cfg.AdminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("admin API error", "error", err)
			}
		}()
	}

	d.logger.Info("web server listening", "addr", srv.Addr().String(), "mode", mode.String())
	err = srv.Run(ctx)

	cancel()
	wg.Wait()
	return err
}
