package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/objectsync/backend/config"
	"github.com/adwski/objectsync/backend/metrics"
	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/pubsub"
	membus "github.com/adwski/objectsync/backend/pubsub/memory"
	natsbus "github.com/adwski/objectsync/backend/pubsub/nats"
	redisbus "github.com/adwski/objectsync/backend/pubsub/redis"
	httpServer "github.com/adwski/objectsync/backend/server/http"
	websocketServer "github.com/adwski/objectsync/backend/server/websocket"
	"github.com/adwski/objectsync/backend/service"
	memstore "github.com/adwski/objectsync/backend/storage/memory"
	redisstore "github.com/adwski/objectsync/backend/storage/redis"
	sw "github.com/adwski/objectsync/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type bus interface {
	service.Bus
	Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error)
	Close() error
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(os.Stderr, config.Usage())
			os.Exit(0)
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	switcher := sw.NewSwitch(sw.Config{Logger: &logger, SendTimeout: cfg.SendTimeout})
	deliver := func(ctx context.Context, d *model.Delivery) {
		m.BusDeliveries.Inc()
		switcher.Dispatch(ctx, d)
	}

	roomStore := newStore(ctx, cfg, &logger)
	if c, ok := roomStore.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}
	fanout := newBus(ctx, cfg, deliver, m, &logger)
	defer func() {
		if err := fanout.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close bus")
		}
	}()

	svc := service.NewService(service.Config{
		RoomStore:      roomStore,
		Switch:         switcher,
		Bus:            fanout,
		Metrics:        m,
		Logger:         &logger,
		MaxRoomMembers: cfg.MaxRoomMembers,
		// a live session rewrites its presence well before the key expires
		PresenceRefresh: cfg.PresenceTTL / 3,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		Metrics:     m.Handler(),
		ListenAddr:  cfg.APIAddr(),
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Broker:     svc,
		ListenAddr: cfg.AppAddr(),
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 3)
	)
	wg.Add(3)
	go fanout.Run(ctx, wg, errc)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

// newStore connects the presence store. The broker does not start without it.
func newStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) service.RoomStore {
	if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("using in-memory store, rooms are not shared between instances")
		return memstore.NewMemStore()
	}
	s, err := redisstore.NewStore(ctx, redisstore.Config{
		Logger:      logger,
		Addr:        cfg.RedisAddr(),
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		KeyPrefix:   cfg.KeyPrefix,
		PresenceTTL: cfg.PresenceTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr()).Msg("presence store is unreachable")
	}
	return s
}

// newBus connects the fanout bus. The broker does not start without it.
func newBus(ctx context.Context, cfg *config.Config, h pubsub.Handler, m *metrics.Metrics, logger *zerolog.Logger) bus {
	var (
		b   bus
		err error
	)
	switch cfg.Bus.Kind {
	case config.BusMemory:
		b = membus.New(membus.Config{Logger: logger, Handler: h})
	case config.BusNATS:
		b, err = natsbus.New(natsbus.Config{
			Logger:  logger,
			Handler: h,
			URL:     cfg.Bus.NATSURL,
			Subject: cfg.Bus.Channel,
			Metrics: m,
		})
	default:
		b, err = redisbus.New(ctx, redisbus.Config{
			Logger:   logger,
			Handler:  h,
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Bus.Channel,
		})
	}
	if err != nil {
		logger.Fatal().Err(err).Str("bus", cfg.Bus.Kind).Msg("fanout bus is unreachable")
	}
	return b
}
