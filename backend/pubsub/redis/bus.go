// Package redis carries room frames over Redis Pub/Sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/pubsub"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

type Config struct {
	Logger   *zerolog.Logger
	Handler  pubsub.Handler
	Addr     string
	Password string
	DB       int
	Channel  string
}

type Bus struct {
	logger  zerolog.Logger
	handler pubsub.Handler
	client  *redis.Client
	sub     *redis.PubSub
	channel string
}

// New connects and subscribes. It fails if Redis is unreachable.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	channel := cfg.Channel
	if channel == "" {
		channel = pubsub.DefaultChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(pubsub.ErrConnect, err)
	}
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		_ = client.Close()
		return nil, errors.Join(pubsub.ErrSubscribe, err)
	}
	b := &Bus{
		logger:  cfg.Logger.With().Str("component", "redis-bus").Str("channel", channel).Logger(),
		handler: cfg.Handler,
		client:  client,
		sub:     sub,
		channel: channel,
	}
	b.logger.Info().Str("addr", cfg.Addr).Msg("subscribed")
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, d *model.Delivery) error {
	msg, err := json.Marshal(d)
	if err != nil {
		return errors.Join(pubsub.ErrPublish, err)
	}
	if err = b.client.Publish(ctx, b.channel, msg).Err(); err != nil {
		return errors.Join(pubsub.ErrPublish, err)
	}
	return nil
}

func (b *Bus) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		b.logger.Debug().Msg("bus stopped")
		wg.Done()
	}()
	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				errc <- pubsub.ErrSubscriptionLost
				return
			}
			var d model.Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.logger.Error().Err(err).Msg("failed to unmarshal delivery")
				continue
			}
			b.handler(ctx, &d)
		}
	}
}

func (b *Bus) Close() error {
	return errors.Join(b.sub.Close(), b.client.Close())
}
