// Package config loads the settings of a cluster member.
//
// Values come from, in increasing priority: defaults, an optional YAML file
// named by the "config" key, MESHNODE_* environment variables and flags.
// Keys are dotted and dashed, e.g. nats.max-rpcs-queued, which maps to
// MESHNODE_NATS_MAX_RPCS_QUEUED.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"meshrpc/cluster"
	"meshrpc/registry"
	"meshrpc/server"
	"meshrpc/transport"
)

const EnvPrefix = "MESHNODE"

type Config struct {
	NATS      NATS      `mapstructure:"nats"`
	Discovery Discovery `mapstructure:"discovery"`
	Server    Server    `mapstructure:"server"`
	Dispatch  Dispatch  `mapstructure:"dispatch"`
	Log       Log       `mapstructure:"log"`
	Metrics   Metrics   `mapstructure:"metrics"`
}

type NATS struct {
	URL                     string        `mapstructure:"url" validate:"required"`
	ConnectionTimeout       time.Duration `mapstructure:"connection-timeout"`
	RequestTimeout          time.Duration `mapstructure:"request-timeout"`
	MaxReconnectionAttempts int           `mapstructure:"max-reconnection-attempts"`
	MaxRPCsQueued           int           `mapstructure:"max-rpcs-queued" validate:"gt=0"`
	MaxPendingMsgs          int           `mapstructure:"max-pending-msgs" validate:"gte=0"`
	ReplyTimeout            time.Duration `mapstructure:"reply-timeout"`
}

type Discovery struct {
	Endpoints          []string      `mapstructure:"endpoints" validate:"min=1,dive,required"`
	Prefix             string        `mapstructure:"prefix"`
	HeartbeatTTL       time.Duration `mapstructure:"heartbeat-ttl" validate:"min=3s"`
	DialTimeout        time.Duration `mapstructure:"dial-timeout"`
	WatchRetries       int           `mapstructure:"watch-retries" validate:"gte=0"`
	WatchRetryInterval time.Duration `mapstructure:"watch-retry-interval" validate:"gt=0"`
}

// Server is this member's directory entry.
type Server struct {
	ID       string            `mapstructure:"id" validate:"excludesall=./"`
	Kind     string            `mapstructure:"kind" validate:"required,excludesall=./"`
	Hostname string            `mapstructure:"hostname"`
	Frontend bool              `mapstructure:"frontend"`
	Metadata map[string]string `mapstructure:"metadata"`
}

// Dispatch configures the handler side of the member. Zero disables the
// rate limit and the handler timeout.
type Dispatch struct {
	Workers        int           `mapstructure:"workers" validate:"gt=0"`
	RateLimit      float64       `mapstructure:"rate-limit" validate:"gte=0"`
	RateBurst      int           `mapstructure:"rate-burst"`
	HandlerTimeout time.Duration `mapstructure:"handler-timeout"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type Metrics struct {
	Listen string `mapstructure:"listen"` // empty disables the endpoint
}

var defaults = map[string]any{
	"nats.url":                       transport.DefaultConfig().URL,
	"nats.connection-timeout":        2 * time.Second,
	"nats.request-timeout":           5 * time.Second,
	"nats.max-reconnection-attempts": 30,
	"nats.max-rpcs-queued":           100,
	"nats.max-pending-msgs":          1000,
	"nats.reply-timeout":             time.Duration(0),

	"discovery.endpoints":            []string{"localhost:2379"},
	"discovery.prefix":               "meshrpc",
	"discovery.heartbeat-ttl":        60 * time.Second,
	"discovery.dial-timeout":         5 * time.Second,
	"discovery.watch-retries":        5,
	"discovery.watch-retry-interval": time.Second,

	"server.id":       "",
	"server.kind":     "",
	"server.hostname": "",
	"server.frontend": false,
	"server.metadata": map[string]string{},

	"dispatch.workers":         16,
	"dispatch.rate-limit":      0.0,
	"dispatch.rate-burst":      0,
	"dispatch.handler-timeout": time.Duration(0),

	"log.level":  "info",
	"log.format": "json",

	"metrics.listen": ":9090",
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags registers the command line flags and binds them into v.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.String("config", "", "path to a YAML config file")
	flags.String("nats-url", v.GetString("nats.url"), "NATS server URL")
	flags.StringSlice("etcd-endpoints", v.GetStringSlice("discovery.endpoints"), "etcd endpoints")
	flags.String("prefix", v.GetString("discovery.prefix"), "etcd key prefix")
	flags.String("server-id", "", "member id (random when empty)")
	flags.String("server-kind", "", "member kind, e.g. room")
	flags.Bool("frontend", false, "register as a frontend member")
	flags.Int("max-rpcs-queued", v.GetInt("nats.max-rpcs-queued"), "capacity of the inbound rpc queue")
	flags.Int("workers", v.GetInt("dispatch.workers"), "number of handler goroutines")
	flags.String("metrics-listen", v.GetString("metrics.listen"), "address of the /metrics endpoint, empty to disable")
	flags.String("log-level", v.GetString("log.level"), "log level (debug, info, warn, error)")
	flags.String("log-format", v.GetString("log.format"), "log format (json, console)")

	bindings := map[string]string{
		"config":          "config",
		"nats-url":        "nats.url",
		"etcd-endpoints":  "discovery.endpoints",
		"prefix":          "discovery.prefix",
		"server-id":       "server.id",
		"server-kind":     "server.kind",
		"frontend":        "server.frontend",
		"max-rpcs-queued": "nats.max-rpcs-queued",
		"workers":         "dispatch.workers",
		"metrics-listen":  "metrics.listen",
		"log-level":       "log.level",
		"log-format":      "log.format",
	}
	for name, key := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the optional config file and decodes v into a validated Config.
// An empty server id becomes a random uuid and an empty hostname the
// machine's hostname.
func Load(v *viper.Viper) (*Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Server.ID == "" {
		cfg.Server.ID = uuid.NewString()
	}
	if cfg.Server.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Server.Hostname = host
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate reports fields by their config key, e.g. discovery.heartbeat-ttl.
// The heartbeat TTL floor keeps the renewal interval (a third of the TTL) at
// or above one second.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		return name
	})
	return v
}

func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		// drop the root struct name
		_, key, _ := strings.Cut(fe.Namespace(), ".")
		switch fe.Tag() {
		case "required":
			errs = append(errs, fmt.Errorf("%s is required", key))
		case "excludesall":
			errs = append(errs, fmt.Errorf("%s must not contain any of %q, got %q", key, fe.Param(), fe.Value()))
		default:
			errs = append(errs, fmt.Errorf("%s must satisfy %s=%s, got %v", key, fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return errors.Join(errs...)
}

// Self is this member's directory entry.
func (c *Config) Self() *cluster.Server {
	return cluster.NewServer(
		cluster.ServerID(c.Server.ID),
		cluster.ServerKind(c.Server.Kind),
		c.Server.Hostname,
		c.Server.Frontend,
		c.Server.Metadata,
	)
}

func (c *Config) Transport() transport.Config {
	return transport.Config{
		URL:                     c.NATS.URL,
		ConnectionTimeout:       c.NATS.ConnectionTimeout,
		RequestTimeout:          c.NATS.RequestTimeout,
		MaxReconnectionAttempts: c.NATS.MaxReconnectionAttempts,
		MaxPendingMsgs:          c.NATS.MaxPendingMsgs,
	}
}

func (c *Config) RPCServer() server.Config {
	return server.Config{
		Transport:     c.Transport(),
		MaxRPCsQueued: c.NATS.MaxRPCsQueued,
		ReplyTimeout:  c.NATS.ReplyTimeout,
	}
}

func (c *Config) Registry() registry.Config {
	return registry.Config{
		Prefix:             c.Discovery.Prefix,
		HeartbeatTTL:       c.Discovery.HeartbeatTTL,
		WatchRetries:       c.Discovery.WatchRetries,
		WatchRetryInterval: c.Discovery.WatchRetryInterval,
	}
}
