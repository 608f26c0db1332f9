// Command bot is a headless participant: it joins a room, spawns objects that orbit
// the origin and logs what the other participants do.
package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adwski/objectsync/client/engine"
	"github.com/adwski/objectsync/client/payload"
	"github.com/adwski/objectsync/client/prefab"
	"github.com/adwski/objectsync/client/transport"
	"github.com/adwski/objectsync/protocol"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const orbiterType protocol.TypeHash = 1

// orbit is the orbiter's input: angular speed in radians per second.
type orbit struct {
	Speed float64 `json:"speed"`
	dirty bool
}

func (o *orbit) Kind() string  { return "orbit" }
func (o *orbit) Changed() bool { return o.dirty }
func (o *orbit) Sent()         { o.dirty = false }

type orbiter struct {
	id     uuid.UUID
	radius float64
	angle  float64
	input  *orbit
	pos    protocol.Vec3
	rot    protocol.Quat
	logger *zerolog.Logger
}

func (o *orbiter) Pose() (protocol.Vec3, protocol.Quat) { return o.pos, o.rot }

func (o *orbiter) SetPose(pos protocol.Vec3, rot protocol.Quat) {
	o.pos, o.rot = pos, rot
	o.logger.Trace().Str("object", o.id.String()).Floats64("pos", pos[:]).Msg("pose")
}

func (o *orbiter) Input() payload.Input { return o.input }

func (o *orbiter) ApplyInput(in payload.Input) {
	if v, ok := in.(*orbit); ok {
		o.input.Speed = v.Speed
	}
}

func (o *orbiter) Destroy() {
	o.logger.Debug().Str("object", o.id.String()).Msg("destroyed")
}

func (o *orbiter) advance(dt time.Duration) {
	o.angle += o.input.Speed * dt.Seconds()
	o.pos = protocol.Vec3{o.radius * math.Cos(o.angle), 0, o.radius * math.Sin(o.angle)}
	o.rot = protocol.QuatFromMgl(mgl64.QuatRotate(-o.angle, mgl64.Vec3{0, 1, 0}))
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("bot", pflag.ContinueOnError)

	var (
		url         = fs.StringP("url", "u", "ws://localhost:3000/ws", "broker websocket url")
		participant = fs.StringP("participant", "p", "", "participant id, assigned by the broker when empty")
		room        = fs.StringP("room", "r", "lobby", "room to join")
		objects     = fs.IntP("objects", "n", 2, "number of orbiting objects to spawn")
		interval    = fs.DurationP("tick", "t", 50*time.Millisecond, "simulation tick interval")
		logLevel    = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := &bot{owned: make(map[uuid.UUID]*orbiter), logger: &logger}
	prefabs := prefab.NewRegistry()
	inputs := payload.NewRegistry()
	if err = inputs.Register("orbit", func() payload.Input { return &orbit{} }); err != nil {
		logger.Fatal().Err(err).Msg("failed to register input")
	}
	if err = prefabs.Register(orbiterType, func(id uuid.UUID) prefab.Entity {
		b.last = &orbiter{id: id, input: &orbit{}, rot: protocol.QuatIdent, logger: &logger}
		return b.last
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to register prefab")
	}

	tr := transport.New()
	conn, err := transport.Dial(ctx, transport.Config{
		URL:         *url,
		Participant: *participant,
		Transport:   tr,
		Logger:      &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	defer func() { _ = conn.Close() }()

	var connected bool
	b.eng, err = engine.New(engine.Config{
		Link:    tr,
		Prefabs: prefabs,
		Inputs:  inputs,
		Logger:  &logger,
		Listener: func(ev engine.Event) {
			logger.Info().
				Str("event", ev.Kind.String()).
				Str("participant", ev.Participant).
				Str("room", ev.Room).
				Str("text", ev.Text).
				Msg("sync event")
			switch ev.Kind {
			case engine.EventConnected:
				connected = true
			case engine.EventApprovalRejected:
				cancel()
			case engine.EventDisconnected:
				if ev.Unexpected {
					cancel()
				}
			}
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create engine")
	}

	var joined bool
	engine.Run(ctx, *interval, func(dt time.Duration) {
		if connected && !joined {
			if err := b.eng.Join(*room); err != nil {
				logger.Error().Err(err).Msg("join failed")
				cancel()
				return
			}
			joined = true
			for i := 0; i < *objects; i++ {
				b.spawn(2 + float64(i))
			}
		}
		for _, o := range b.owned {
			o.advance(dt)
		}
		b.eng.Tick(dt)
	})

	if err = b.eng.Disconnect(); err != nil {
		logger.Error().Err(err).Msg("disconnect failed")
	}
}

type bot struct {
	eng    *engine.Engine
	owned  map[uuid.UUID]*orbiter
	last   *orbiter
	logger *zerolog.Logger
}

func (b *bot) spawn(radius float64) {
	id, err := b.eng.Spawn(orbiterType, protocol.Vec3{radius, 0, 0}, protocol.QuatIdent)
	if err != nil {
		b.logger.Error().Err(err).Msg("spawn failed")
		return
	}
	o := b.last
	o.radius = radius
	o.input.Speed = 1 / radius
	o.input.dirty = true
	b.owned[id] = o
	b.logger.Info().Str("object", id.String()).Float64("radius", radius).Msg("spawned")
}
