package main

import (
	"context"
	"log/slog"

	"github.com/ParcelPilot/ParcelDesk/internal/services/notifier"
)

type notifierOpts struct {
	httpAddr string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

// runParcelNotifier runs the consume loop and the admin HTTP server until
// the context is canceled or either of them fails.
func runParcelNotifier(ctx context.Context, opts notifierOpts, n *notifier.Notifier, consumer kafkaConsumer) error {
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runNotifierHTTPServer(ctx, notifierHTTPOpts{
			httpAddr: opts.httpAddr,
			onListen: opts.onListen,
			notifier: n,
		})
	}()

	consumeErr := make(chan error, 1)
	go func() {
		slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
		consumeErr <- consumer.Consume(ctx, func(key, value []byte) error {
			return n.Handle(ctx, key, value)
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-consumeErr:
		return err
	case err := <-httpErr:
		return err
	}
}
