package main

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/kirillkom/document-classifier/internal/bootstrap"
	"github.com/kirillkom/document-classifier/internal/config"
	"github.com/kirillkom/document-classifier/internal/core/ports"
	"github.com/kirillkom/document-classifier/internal/observability/logging"
)

// services is what the operator commands need from the application.
type services interface {
	ports.DocumentSubmitter
	ports.FeedbackSubmitter
	ports.ClassificationReader
}

type opener func(ctx context.Context, cfg config.Config) (services, func(), error)

type appServices struct {
	ports.DocumentSubmitter
	ports.FeedbackSubmitter
	ports.ClassificationReader
}

func openBootstrap(ctx context.Context, cfg config.Config) (services, func(), error) {
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return appServices{app.SubmitUC, app.SubmitUC, app.QueryUC}, app.Close, nil
}

type commandContext struct {
	open    opener
	jsonOut *bool
	verbose *bool

	once    sync.Once
	svc     services
	closeFn func()
	err     error
}

func (c *commandContext) services(ctx context.Context, stderr io.Writer) (services, error) {
	c.once.Do(func() {
		level := "warn"
		if c.verbose != nil && *c.verbose {
			level = "debug"
		}
		slog.SetDefault(logging.New(stderr, "classifierctl", level, "text"))
		c.svc, c.closeFn, c.err = c.open(ctx, config.Load())
	})
	return c.svc, c.err
}

func (c *commandContext) close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

func (c *commandContext) wantJSON() bool {
	return c.jsonOut != nil && *c.jsonOut
}
