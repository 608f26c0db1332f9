// Package redis keeps room membership and presence in Redis so that several broker
// instances share one view of every room.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/adwski/objectsync/backend/model"
	"github.com/adwski/objectsync/backend/storage"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	defaultKeyPrefix = "objsync:"
)

var (
	ErrConnect = errors.New("unable to connect to redis")
)

// addMember admits ARGV[1] to the set KEYS[1] unless it holds ARGV[2] (> 0) members already.
var addMember = redis.NewScript(`
local limit = tonumber(ARGV[2])
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 and limit > 0 and redis.call('SCARD', KEYS[1]) >= limit then
	return 0
end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// removeMember drops ARGV[1] from KEYS[1] and forgets the room once it is empty.
var removeMember = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
end
return 1
`)

type Config struct {
	Logger    *zerolog.Logger
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// PresenceTTL expires presence entries that are not rewritten in time,
	// so a crashed broker cannot hold ids forever. 0 keeps them until deleted.
	PresenceTTL time.Duration
}

type Store struct {
	client      *redis.Client
	prefix      string
	presenceTTL time.Duration
	logger      zerolog.Logger
}

// NewStore connects to Redis and fails if it does not answer a ping.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnect, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	s := &Store{
		client:      client,
		prefix:      prefix,
		presenceTTL: cfg.PresenceTTL,
		logger:      cfg.Logger.With().Str("component", "redis-store").Logger(),
	}
	s.logger.Info().Str("addr", cfg.Addr).Msg("connected")
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) roomsKey() string {
	return s.prefix + "rooms"
}

func (s *Store) membersKey(room string) string {
	return s.prefix + "room:" + room + ":members"
}

func (s *Store) presenceKey(participant string) string {
	return s.prefix + "presence:" + participant
}

func (s *Store) AddMember(ctx context.Context, room, participant string, maxMembers int) error {
	ok, err := addMember.Run(ctx, s.client,
		[]string{s.membersKey(room), s.roomsKey()},
		participant, maxMembers, room).Int()
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	if ok == 0 {
		return storage.ErrRoomIsFull
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, room, participant string) error {
	err := removeMember.Run(ctx, s.client,
		[]string{s.membersKey(room), s.roomsKey()},
		participant, room).Err()
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *Store) Members(ctx context.Context, room string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.membersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.roomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("rooms: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) SetPresence(ctx context.Context, p *model.Presence) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err = s.client.Set(ctx, s.presenceKey(p.Participant), b, s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}

// GetPresence reads all entries in one round trip. Missing and unreadable entries are skipped.
func (s *Store) GetPresence(ctx context.Context, participants ...string) ([]*model.Presence, error) {
	if len(participants) == 0 {
		return nil, nil
	}
	keys := make([]string, len(participants))
	for i, id := range participants {
		keys[i] = s.presenceKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	out := make([]*model.Presence, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var p model.Presence
		if err = json.Unmarshal([]byte(str), &p); err != nil {
			s.logger.Error().Err(err).Str("key", keys[i]).Msg("corrupted presence entry")
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

func (s *Store) DeletePresence(ctx context.Context, participant string) error {
	if err := s.client.Del(ctx, s.presenceKey(participant)).Err(); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}
