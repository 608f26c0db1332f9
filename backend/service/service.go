package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/adwski/objectsync/backend/metrics"
	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/storage"
	"github.com/adwski/objectsync/protocol"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	defaultCleanupTimeout = 2 * time.Second
)

var (
	ErrConnect           = errors.New("unable to connect")
	ErrParticipantExists = errors.New("participant id is already in use")
	ErrJoin              = errors.New("unable to join room")
	ErrPersonalRoom      = errors.New("cannot join a personal room")
	ErrRoomNameTaken     = errors.New("id is in use as a room name")
	ErrSecondRoom        = errors.New("already a member of another room")
	ErrUnknownTopic      = errors.New("topic is neither a joined room nor a connected participant")
	ErrPublish           = errors.New("unable to publish")
	ErrList              = errors.New("unable to list rooms")
)

type (
	RoomStore interface {
		AddMember(ctx context.Context, room, participant string, maxMembers int) error
		RemoveMember(ctx context.Context, room, participant string) error
		Members(ctx context.Context, room string) ([]string, error)
		Rooms(ctx context.Context) ([]string, error)
		SetPresence(ctx context.Context, p *model.Presence) error
		GetPresence(ctx context.Context, participants ...string) ([]*model.Presence, error)
		DeletePresence(ctx context.Context, participant string) error
	}

	Switch interface {
		Connect(endpoint string, wire model.Wire) error
		Disconnect(endpoint string)
		Join(room, endpoint string) error
		Leave(room, endpoint string)
		SendTo(ctx context.Context, endpoint string, f *protocol.Frame) bool
	}

	Bus interface {
		Publish(ctx context.Context, d *model.Delivery) error
	}

	Service struct {
		store      RoomStore
		sw         Switch
		bus        Bus
		metrics    *metrics.Metrics
		maxMembers int
		refresh    time.Duration
		logger     zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Bus       Bus
		Metrics   *metrics.Metrics
		Logger    *zerolog.Logger
		// MaxRoomMembers limits room size; 0 means unlimited.
		MaxRoomMembers int
		// PresenceRefresh rewrites live presence entries so that expiring stores keep them.
		// 0 disables it.
		PresenceRefresh time.Duration
	}

	// Session is the broker side of one connection.
	Session struct {
		id       string
		wire     model.Wire
		presence *model.Presence
		logger   zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		store:      cfg.RoomStore,
		sw:         cfg.Switch,
		bus:        cfg.Bus,
		metrics:    m,
		maxMembers: cfg.MaxRoomMembers,
		refresh:    cfg.PresenceRefresh,
		logger:     cfg.Logger.With().Str("component", "broker").Logger(),
	}
}

func (s *Session) ID() string { return s.id }

// Connect registers a connection, creates its personal room and greets it with its identity.
// Ids are unique across instances and never collide with a shared room name.
func (svc *Service) Connect(ctx context.Context, participant string, wire model.Wire) (*Session, error) {
	existing, err := svc.store.GetPresence(ctx, participant)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	if len(existing) > 0 {
		return nil, ErrParticipantExists
	}
	members, err := svc.store.Members(ctx, participant)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	if len(members) > 0 {
		return nil, errors.Join(ErrParticipantExists, ErrRoomNameTaken)
	}
	if err = svc.sw.Connect(participant, wire); err != nil {
		return nil, errors.Join(ErrConnect, ErrParticipantExists, err)
	}
	sess := &Session{
		id:       participant,
		wire:     wire,
		presence: model.NewPresence(participant),
		logger:   svc.logger.With().Str("participant", participant).Logger(),
	}
	if err = svc.store.SetPresence(ctx, sess.presence); err != nil {
		svc.sw.Disconnect(participant)
		return nil, errors.Join(ErrConnect, err)
	}
	svc.metrics.ConnectionsActive.Inc()
	svc.sw.SendTo(ctx, participant, &protocol.Frame{Event: protocol.EventWelcome, Participant: participant})
	sess.logger.Debug().Msg("participant connected")
	return sess, nil
}

// Serve handles the session's inbound messages in order until RX is closed or the
// client asks to disconnect, then cleans the session up.
func (svc *Service) Serve(ctx context.Context, sess *Session) {
	defer svc.Disconnect(sess)

	var refresh <-chan time.Time
	if svc.refresh > 0 {
		ticker := time.NewTicker(svc.refresh)
		defer ticker.Stop()
		refresh = ticker.C
	}
	for {
		select {
		case raw, ok := <-sess.wire.RX:
			if !ok || !svc.handle(ctx, sess, raw) {
				return
			}
		case <-refresh:
			if err := svc.store.SetPresence(ctx, sess.presence); err != nil {
				sess.logger.Warn().Err(err).Msg("failed to refresh presence")
			}
		}
	}
}

// Disconnect announces the departure to every joined room, drops the memberships
// and the presence entry, then destroys the personal room.
func (svc *Service) Disconnect(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCleanupTimeout)
	defer cancel()

	for _, room := range sess.presence.Rooms {
		svc.publishFrame(ctx, sess, room, &protocol.Frame{
			Event:       protocol.EventUserDisconnecting,
			Participant: sess.id,
			Room:        room,
		})
		if err := svc.store.RemoveMember(ctx, room, sess.id); err != nil {
			sess.logger.Error().Err(err).Str("room", room).Msg("failed to remove membership")
		}
		svc.sw.Leave(room, sess.id)
	}
	if err := svc.store.DeletePresence(ctx, sess.id); err != nil {
		sess.logger.Error().Err(err).Msg("failed to delete presence")
	}
	svc.sw.Disconnect(sess.id)
	svc.metrics.ConnectionsActive.Dec()
	sess.logger.Debug().Int("rooms", len(sess.presence.Rooms)).Msg("participant disconnected")
}

// ListRooms returns the shared rooms that currently have members.
func (svc *Service) ListRooms(ctx context.Context) ([]protocol.RoomInfo, error) {
	ids, err := svc.store.Rooms(ctx)
	if err != nil {
		return nil, errors.Join(ErrList, err)
	}
	rooms := make([]protocol.RoomInfo, 0, len(ids))
	for _, id := range ids {
		rooms = append(rooms, protocol.NewRoomInfo(id))
	}
	return rooms, nil
}

func (svc *Service) handle(ctx context.Context, sess *Session, raw []byte) bool {
	f, err := protocol.Decode(raw)
	if err != nil {
		svc.drop(sess, metrics.DropUndecodable, err, raw)
		return true
	}
	if err = f.ValidateInbound(); err != nil {
		svc.drop(sess, metrics.DropInvalid, err, f)
		return true
	}
	switch f.Event {
	case protocol.EventJoin:
		svc.join(ctx, sess, f.Room)
	case protocol.EventMessage:
		svc.publish(ctx, sess, f.Envelope)
	case protocol.EventListRooms:
		rooms, err := svc.ListRooms(ctx)
		if err != nil {
			sess.logger.Error().Err(err).Msg("list rooms failed")
			return true
		}
		svc.sw.SendTo(ctx, sess.id, &protocol.Frame{Event: protocol.EventRooms, Rooms: rooms})
	case protocol.EventDisconnect:
		sess.logger.Debug().Msg("disconnect requested")
		return false
	}
	return true
}

func (svc *Service) drop(sess *Session, reason string, err error, v any) {
	svc.metrics.FramesDropped.WithLabelValues(reason).Inc()
	sess.logger.Warn().Err(err).Str("reason", reason).Msg("dropping inbound frame")
	if e := sess.logger.Trace(); e.Enabled() {
		e.Str("dump", spew.Sdump(v)).Msg("dropped frame")
	}
}

func (svc *Service) join(ctx context.Context, sess *Session, room string) {
	logger := sess.logger.With().Str("room", room).Logger()
	if slices.Contains(sess.presence.Rooms, room) {
		logger.Debug().Msg("already a member")
		return
	}
	if err := svc.admit(ctx, sess, room); err != nil {
		logger.Warn().Err(err).Msg("join rejected")
		reason := err.Error()
		if errors.Is(err, storage.ErrRoomIsFull) {
			svc.metrics.JoinRejections.Inc()
			reason = storage.ErrRoomIsFull.Error()
		}
		svc.sw.SendTo(ctx, sess.id, &protocol.Frame{Event: protocol.EventJoinRejected, Room: room, Reason: reason})
		return
	}
	svc.metrics.Joins.Inc()

	svc.publishFrame(ctx, sess, room, &protocol.Frame{
		Event:       protocol.EventUserConnected,
		Participant: sess.id,
		Room:        room,
	})
	svc.replay(ctx, sess, room)
	logger.Debug().Msg("joined room")
}

// admit adds the session to the room in the store and the switch, then records it in presence.
// A connection is a member of at most one shared room, and shared rooms never take
// the name of a connected participant.
func (svc *Service) admit(ctx context.Context, sess *Session, room string) error {
	if len(sess.presence.Rooms) > 0 {
		return errors.Join(ErrJoin, ErrSecondRoom)
	}
	if room == sess.id {
		return errors.Join(ErrJoin, ErrPersonalRoom)
	}
	owners, err := svc.store.GetPresence(ctx, room)
	if err != nil {
		return errors.Join(ErrJoin, err)
	}
	if len(owners) > 0 {
		return errors.Join(ErrJoin, ErrPersonalRoom)
	}
	svc.prune(ctx, sess, room)
	if err := svc.store.AddMember(ctx, room, sess.id, svc.maxMembers); err != nil {
		return errors.Join(ErrJoin, err)
	}
	if err := svc.sw.Join(room, sess.id); err != nil {
		_ = svc.store.RemoveMember(ctx, room, sess.id)
		return errors.Join(ErrJoin, err)
	}
	next := sess.presence.Clone()
	next.AddRoom(room)
	if err := svc.store.SetPresence(ctx, next); err != nil {
		svc.sw.Leave(room, sess.id)
		_ = svc.store.RemoveMember(ctx, room, sess.id)
		return errors.Join(ErrJoin, err)
	}
	sess.presence = next
	return nil
}

// prune drops members whose presence entry is gone, which happens when their broker
// instance died without cleaning up. Remaining members are told they left.
func (svc *Service) prune(ctx context.Context, sess *Session, room string) {
	members, err := svc.store.Members(ctx, room)
	if err != nil || len(members) == 0 {
		return
	}
	entries, err := svc.store.GetPresence(ctx, members...)
	if err != nil {
		return
	}
	for _, id := range members {
		if slices.ContainsFunc(entries, func(p *model.Presence) bool { return p.Participant == id }) {
			continue
		}
		if err = svc.store.RemoveMember(ctx, room, id); err != nil {
			sess.logger.Error().Err(err).Str("room", room).Str("stale", id).Msg("failed to remove stale member")
			continue
		}
		sess.logger.Warn().Str("room", room).Str("stale", id).Msg("removed member without presence")
		svc.forward(ctx, sess, &model.Delivery{Room: room, From: id, Frame: &protocol.Frame{
			Event:       protocol.EventUserDisconnecting,
			Participant: id,
			Room:        room,
		}})
	}
}

// replay sends every object of the room's other members to the newcomer as Create messages.
func (svc *Service) replay(ctx context.Context, sess *Session, room string) {
	members, err := svc.store.Members(ctx, room)
	if err != nil {
		sess.logger.Error().Err(err).Str("room", room).Msg("failed to read members for replay")
		return
	}
	members = slices.DeleteFunc(members, func(id string) bool { return id == sess.id })
	entries, err := svc.store.GetPresence(ctx, members...)
	if err != nil {
		sess.logger.Error().Err(err).Str("room", room).Msg("failed to read presence for replay")
		return
	}
	var n int
	for _, p := range entries {
		for i := range p.Objects {
			obj := p.Objects[i]
			svc.sw.SendTo(ctx, sess.id, &protocol.Frame{
				Event:       protocol.EventRoomMessage,
				Participant: p.Participant,
				Room:        room,
				Envelope:    protocol.NewCreate(room, &obj),
			})
			n++
		}
	}
	sess.logger.Trace().Str("room", room).Int("objects", n).Int("members", len(entries)).Msg("replayed presence")
}

func (svc *Service) publish(ctx context.Context, sess *Session, env *protocol.Envelope) {
	d, err := svc.route(ctx, sess, env.Topic)
	if err != nil {
		sess.logger.Error().Err(err).Str("topic", env.Topic).Msg("failed to resolve topic")
		svc.metrics.FramesDropped.WithLabelValues(metrics.DropPublish).Inc()
		return
	}
	if d == nil {
		svc.drop(sess, metrics.DropNotJoined, ErrUnknownTopic, env)
		return
	}
	if svc.track(sess, env) {
		if err = svc.store.SetPresence(ctx, sess.presence); err != nil {
			sess.logger.Error().Err(err).Msg("failed to update presence")
		}
	}
	svc.metrics.MessagesPublished.WithLabelValues(env.Command.String()).Inc()
	d.Frame = &protocol.Frame{
		Event:       protocol.EventRoomMessage,
		Participant: sess.id,
		Room:        env.Topic,
		Envelope:    env,
	}
	svc.forward(ctx, sess, d)
}

// route resolves a topic to a joined room, or to the personal room of a participant
// sharing a room with the sender. It returns nil when the sender may not publish there.
func (svc *Service) route(ctx context.Context, sess *Session, topic string) (*model.Delivery, error) {
	if slices.Contains(sess.presence.Rooms, topic) {
		return &model.Delivery{Room: topic, From: sess.id}, nil
	}
	if len(sess.presence.Rooms) == 0 || topic == sess.id {
		return nil, nil
	}
	entries, err := svc.store.GetPresence(ctx, topic)
	if err != nil {
		return nil, err
	}
	for _, p := range entries {
		if slices.ContainsFunc(p.Rooms, func(r string) bool { return slices.Contains(sess.presence.Rooms, r) }) {
			return &model.Delivery{To: topic, From: sess.id}, nil
		}
	}
	return nil, nil
}

// track applies an envelope to the sender's presence and reports whether it changed.
func (svc *Service) track(sess *Session, env *protocol.Envelope) bool {
	switch env.Command {
	case protocol.CommandCreate, protocol.CommandCreateExistedObjectSnapshot:
		objs := env.Objects()
		for _, obj := range objs {
			sess.presence.Upsert(obj)
		}
		return len(objs) > 0
	case protocol.CommandUpdate:
		// updates never introduce objects, so an id the sender did not create stays unowned
		var changed bool
		for _, obj := range env.NetworkObjectInfos {
			if sess.presence.Refresh(obj) {
				changed = true
			}
		}
		return changed
	case protocol.CommandDelete:
		return sess.presence.Remove(env.NetworkObjectInfo.ObjectID)
	default:
		return false
	}
}

func (svc *Service) publishFrame(ctx context.Context, sess *Session, room string, f *protocol.Frame) {
	svc.forward(ctx, sess, &model.Delivery{Room: room, From: sess.id, Frame: f})
}

func (svc *Service) forward(ctx context.Context, sess *Session, d *model.Delivery) {
	if err := svc.bus.Publish(ctx, d); err != nil {
		svc.metrics.FramesDropped.WithLabelValues(metrics.DropPublish).Inc()
		sess.logger.Error().Err(errors.Join(ErrPublish, err)).
			Str("room", d.Room).
			Str("to", d.To).
			Str("event", string(d.Frame.Event)).
			Msg("publish failed")
	}
}
