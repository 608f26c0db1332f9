package _switch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultSendTimeout = time.Second
)

var (
	ErrEndpointExists   = errors.New("endpoint is already connected")
	ErrEndpointNotFound = errors.New("endpoint is not connected")
)

type Config struct {
	Logger      *zerolog.Logger
	SendTimeout time.Duration
}

// Switch fans frames out to the endpoints connected to this broker instance.
// Every endpoint has a personal room, addressed with SendTo. Personal rooms and
// shared rooms are separate namespaces, so a shared room may carry any name.
type Switch struct {
	logger      zerolog.Logger
	mx          *sync.RWMutex
	rooms       map[string]map[string]model.Wire
	endpoints   map[string]model.Wire
	sendTimeout time.Duration
}

func NewSwitch(cfg Config) *Switch {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Switch{
		logger:      cfg.Logger.With().Str("component", "switch").Logger(),
		mx:          &sync.RWMutex{},
		rooms:       make(map[string]map[string]model.Wire),
		endpoints:   make(map[string]model.Wire),
		sendTimeout: timeout,
	}
}

// Connect registers an endpoint and creates its personal room.
func (sw *Switch) Connect(endpoint string, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.endpoints[endpoint]; ok {
		return ErrEndpointExists
	}
	sw.endpoints[endpoint] = wire
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint connected")
	return nil
}

// Disconnect removes the endpoint from every room and destroys its personal room.
func (sw *Switch) Disconnect(endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	delete(sw.endpoints, endpoint)
	for id, members := range sw.rooms {
		delete(members, endpoint)
		if len(members) == 0 {
			delete(sw.rooms, id)
		}
	}
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint disconnected")
}

func (sw *Switch) Join(room, endpoint string) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	wire, ok := sw.endpoints[endpoint]
	if !ok {
		return ErrEndpointNotFound
	}
	members, ok := sw.rooms[room]
	if !ok {
		members = make(map[string]model.Wire)
		sw.rooms[room] = members
	}
	members[endpoint] = wire
	sw.logger.Debug().Str("endpoint", endpoint).Str("room", room).Msg("endpoint joined room")
	return nil
}

func (sw *Switch) Leave(room, endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if members, ok := sw.rooms[room]; ok {
		delete(members, endpoint)
		if len(members) == 0 {
			delete(sw.rooms, room)
		}
	}
}

// Members returns the local endpoints of a shared room, sorted.
func (sw *Switch) Members(room string) []string {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	ids := make([]string, 0, len(sw.rooms[room]))
	for id := range sw.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deliver sends f to every local member of room except from and returns how many got it.
func (sw *Switch) Deliver(ctx context.Context, room, from string, f *protocol.Frame) int {
	sw.mx.RLock()
	targets := make([]model.Wire, 0, len(sw.rooms[room]))
	for id, wire := range sw.rooms[room] {
		if id != from {
			targets = append(targets, wire)
		}
	}
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("room", room).
		Str("src", from).
		Str("event", string(f.Event)).Logger()

	var sent int
	for _, wire := range targets {
		ok, canceled := send(ctx, f, wire, sw.sendTimeout, &logger)
		if canceled {
			break
		}
		if ok {
			sent++
		}
	}
	if sent == 0 {
		logger.Trace().Msg("frame did not reach anyone")
	}
	return sent
}

// SendTo delivers f to a single local endpoint.
func (sw *Switch) SendTo(ctx context.Context, endpoint string, f *protocol.Frame) bool {
	sw.mx.RLock()
	wire, ok := sw.endpoints[endpoint]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Trace().Str("dst", endpoint).Msg("dst is not connected here")
		return false
	}
	sent, _ := send(ctx, f, wire, sw.sendTimeout, &sw.logger)
	return sent
}

func send(ctx context.Context, f *protocol.Frame, wire model.Wire, timeout time.Duration, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-wire.Done:
		logger.Debug().Msg("endpoint is gone")
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case wire.TX <- f:
		logger.Trace().Msg("frame is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}

// Dispatch delivers a frame received from the bus.
func (sw *Switch) Dispatch(ctx context.Context, d *model.Delivery) {
	switch {
	case d.Frame == nil:
		sw.logger.Error().Str("room", d.Room).Str("to", d.To).Msg("delivery without frame")
	case d.To != "":
		if d.To != d.From {
			sw.SendTo(ctx, d.To, d.Frame)
		}
	default:
		sw.Deliver(ctx, d.Room, d.From, d.Frame)
	}
}
