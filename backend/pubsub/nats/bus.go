// Package nats carries room frames over a NATS subject.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/objectsync/backend/metrics"
	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/pubsub"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout = 2 * time.Second
	defaultMaxReconnects  = 10
	defaultReconnectWait  = 2 * time.Second
	defaultInboxSize      = 1024
)

type Config struct {
	Logger  *zerolog.Logger
	Handler pubsub.Handler
	URL     string
	Subject string
	// Metrics counts deliveries lost to a full inbox. Optional.
	Metrics *metrics.Metrics
}

type Bus struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	handler pubsub.Handler
	conn    *nats.Conn
	sub     *nats.Subscription
	inbox   chan *nats.Msg
	subject string
}

// New connects and subscribes. It fails if the server is unreachable.
func New(cfg Config) (*Bus, error) {
	subject := cfg.Subject
	if subject == "" {
		subject = pubsub.DefaultChannel
	}
	b := &Bus{
		logger:  cfg.Logger.With().Str("component", "nats-bus").Str("subject", subject).Logger(),
		metrics: cfg.Metrics,
		handler: cfg.Handler,
		inbox:   make(chan *nats.Msg, defaultInboxSize),
		subject: subject,
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("objsync-broker"),
		nats.Timeout(defaultConnectTimeout),
		nats.MaxReconnects(defaultMaxReconnects),
		nats.ReconnectWait(defaultReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			b.asyncError(sub, err)
		}),
	)
	if err != nil {
		return nil, errors.Join(pubsub.ErrConnect, err)
	}

	sub, err := conn.ChanSubscribe(subject, b.inbox)
	if err == nil {
		err = conn.Flush()
	}
	if err != nil {
		conn.Close()
		return nil, errors.Join(pubsub.ErrSubscribe, err)
	}
	b.conn = conn
	b.sub = sub
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("subscribed")
	return b, nil
}

// asyncError reports errors the client raises outside of a call.
// A slow consumer means the inbox was full and the server's message was discarded.
func (b *Bus) asyncError(sub *nats.Subscription, err error) {
	if !errors.Is(err, nats.ErrSlowConsumer) {
		b.logger.Error().Err(err).Msg("async error")
		return
	}
	ev := b.logger.Warn().Err(err)
	if sub != nil {
		if n, dErr := sub.Dropped(); dErr == nil {
			ev = ev.Int("dropped_total", n)
		}
	}
	ev.Msg("inbox full, deliveries lost")
	if b.metrics != nil {
		b.metrics.FramesDropped.WithLabelValues(metrics.DropSlowConsumer).Inc()
	}
}

func (b *Bus) Publish(_ context.Context, d *model.Delivery) error {
	msg, err := json.Marshal(d)
	if err != nil {
		return errors.Join(pubsub.ErrPublish, err)
	}
	if err = b.conn.Publish(b.subject, msg); err != nil {
		return errors.Join(pubsub.ErrPublish, err)
	}
	return nil
}

func (b *Bus) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	defer func() {
		b.logger.Debug().Msg("bus stopped")
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.inbox:
			var d model.Delivery
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				b.logger.Error().Err(err).Msg("failed to unmarshal delivery")
				continue
			}
			b.handler(ctx, &d)
		}
	}
}

func (b *Bus) Close() error {
	err := b.sub.Unsubscribe()
	b.conn.Close()
	return err
}
