// Package memory is an in-process bus for a single broker instance.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/pubsub"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 1024
)

type Config struct {
	Logger  *zerolog.Logger
	Handler pubsub.Handler
}

type Bus struct {
	logger  zerolog.Logger
	handler pubsub.Handler
	queue   chan *model.Delivery
}

func New(cfg Config) *Bus {
	return &Bus{
		logger:  cfg.Logger.With().Str("component", "memory-bus").Logger(),
		handler: cfg.Handler,
		queue:   make(chan *model.Delivery, defaultQueueSize),
	}
}

// Publish queues d for delivery. It blocks only while the queue is full.
func (b *Bus) Publish(ctx context.Context, d *model.Delivery) error {
	select {
	case b.queue <- d:
		return nil
	case <-ctx.Done():
		return errors.Join(pubsub.ErrPublish, ctx.Err())
	}
}

// Run hands queued deliveries to the handler in publish order until ctx is done.
func (b *Bus) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	defer func() {
		b.logger.Debug().Msg("bus stopped")
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-b.queue:
			b.handler(ctx, d)
		}
	}
}

func (b *Bus) Close() error {
	return nil
}
