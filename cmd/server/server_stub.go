//go:build !linux

package main

import (
	"context"
	"errors"

	"github.com/goceleris/tinyweb/internal/config"
)

// serve is a stub for non-Linux platforms.
func serve(ctx context.Context, cfg *config.Config, d deps) error {
	return errors.New("the web server is only supported on Linux")
}
