// Package config resolves broker settings from flags, environment and an optional YAML file.
//
// Precedence: flag > environment > file > default.
package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"

	BusRedis  = "redis"
	BusNATS   = "nats"
	BusMemory = "memory"

	configEnv = "OBJSYNC_CONFIG"
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Config struct {
	AppPort  int    `yaml:"app_port"`
	APIPort  int    `yaml:"api_port"`
	LogLevel string `yaml:"log_level"`

	Store string      `yaml:"store"`
	Redis RedisConfig `yaml:"redis"`
	Bus   BusConfig   `yaml:"bus"`

	KeyPrefix      string        `yaml:"key_prefix"`
	MaxRoomMembers int           `yaml:"max_room_members"`
	SendTimeout    time.Duration `yaml:"send_timeout"`
	PresenceTTL    time.Duration `yaml:"presence_ttl"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BusConfig struct {
	Kind    string `yaml:"kind"`
	Channel string `yaml:"channel"`
	NATSURL string `yaml:"nats_url"`
}

func Default() *Config {
	return &Config{
		AppPort:  3000,
		APIPort:  8080,
		LogLevel: "info",
		Store:    StoreRedis,
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Bus: BusConfig{
			Kind:    BusRedis,
			Channel: "objsync.rooms",
			NATSURL: "nats://localhost:4222",
		},
		KeyPrefix:   "objsync:",
		SendTimeout: time.Second,
		PresenceTTL: 30 * time.Second,
	}
}

var envBindings = []struct {
	flag string
	env  string
}{
	{"app-port", "APP_PORT"},
	{"api-port", "API_PORT"},
	{"log-level", "LOG_LEVEL"},
	{"store", "STORE"},
	{"redis-host", "REDIS_HOST"},
	{"redis-port", "REDIS_PORT"},
	{"redis-password", "REDIS_PASSWORD"},
	{"redis-db", "REDIS_DB"},
	{"bus", "BUS"},
	{"bus-channel", "BUS_CHANNEL"},
	{"nats-url", "NATS_URL"},
	{"key-prefix", "KEY_PREFIX"},
	{"max-room-members", "MAX_ROOM_MEMBERS"},
	{"send-timeout", "SEND_TIMEOUT"},
	{"presence-ttl", "PRESENCE_TTL"},
}

func (c *Config) flagSet() (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("objsync", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	path := fs.StringP("config", "c", "", "path to YAML config file (env "+configEnv+")")
	fs.IntVarP(&c.AppPort, "app-port", "p", c.AppPort, "websocket listen port")
	fs.IntVarP(&c.APIPort, "api-port", "a", c.APIPort, "api and metrics listen port")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "log level")
	fs.StringVar(&c.Store, "store", c.Store, "presence store: redis or memory")
	fs.StringVar(&c.Redis.Host, "redis-host", c.Redis.Host, "redis host")
	fs.IntVar(&c.Redis.Port, "redis-port", c.Redis.Port, "redis port")
	fs.StringVar(&c.Redis.Password, "redis-password", c.Redis.Password, "redis password")
	fs.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "redis database")
	fs.StringVar(&c.Bus.Kind, "bus", c.Bus.Kind, "fanout bus: redis, nats or memory")
	fs.StringVar(&c.Bus.Channel, "bus-channel", c.Bus.Channel, "bus channel or subject")
	fs.StringVar(&c.Bus.NATSURL, "nats-url", c.Bus.NATSURL, "nats server url")
	fs.StringVar(&c.KeyPrefix, "key-prefix", c.KeyPrefix, "redis key prefix")
	fs.IntVar(&c.MaxRoomMembers, "max-room-members", c.MaxRoomMembers, "room capacity, 0 for unlimited")
	fs.DurationVar(&c.SendTimeout, "send-timeout", c.SendTimeout, "per client send timeout")
	fs.DurationVar(&c.PresenceTTL, "presence-ttl", c.PresenceTTL, "redis presence expiry, refreshed by live sessions; 0 disables")
	return fs, path
}

// Usage describes every flag with its default.
func Usage() string {
	fs, _ := Default().flagSet()
	return "Usage of objsync:\n" + fs.FlagUsages()
}

// Load resolves the configuration for the given command line arguments.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	path, err := configPath(args, getenv)
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Join(ErrInvalid, fmt.Errorf("parse %s: %w", path, err))
		}
	}

	fs, _ := cfg.flagSet()
	for _, b := range envBindings {
		if v := getenv(b.env); v != "" {
			if err = fs.Set(b.flag, v); err != nil {
				return nil, errors.Join(ErrInvalid, fmt.Errorf("%s: %w", b.env, err))
			}
		}
	}
	if err = fs.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPath finds --config before the rest of the flags are known.
func configPath(args []string, getenv func(string) string) (string, error) {
	fs, path := (&Config{}).flagSet()
	fs.ParseErrorsWhitelist.UnknownFlags = true
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *path != "" {
		return *path, nil
	}
	return getenv(configEnv), nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.AppPort <= 0 || c.AppPort > 65535 {
		errs = append(errs, fmt.Errorf("app port %d is out of range", c.AppPort))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("api port %d is out of range", c.APIPort))
	}
	if c.AppPort == c.APIPort {
		errs = append(errs, errors.New("app and api ports must differ"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Store {
	case StoreRedis, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Bus.Kind {
	case BusRedis, BusNATS, BusMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown bus %q", c.Bus.Kind))
	}
	if c.Store == StoreMemory && c.Bus.Kind != BusMemory {
		errs = append(errs, errors.New("memory store only works with the memory bus"))
	}
	if c.MaxRoomMembers < 0 {
		errs = append(errs, errors.New("max room members cannot be negative"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("send timeout must be positive"))
	}
	if c.PresenceTTL < 0 {
		errs = append(errs, errors.New("presence ttl cannot be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalid}, errs...)...)
	}
	return nil
}

func (c *Config) AppAddr() string { return ":" + strconv.Itoa(c.AppPort) }

func (c *Config) APIAddr() string { return ":" + strconv.Itoa(c.APIPort) }

func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))
}
