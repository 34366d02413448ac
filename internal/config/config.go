// Package config resolves relay and peer settings from a YAML file, the
// environment and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"colocate/internal/authority"
	"colocate/internal/follow"
	"colocate/internal/grab"
	"colocate/internal/net/proto"
	"colocate/internal/ownership"
	"colocate/internal/relay"
	"colocate/internal/release"
	"colocate/internal/spatial"
	"colocate/logging"
)

const (
	DefaultAddr      = ":8080"
	DefaultServerURL = "ws://localhost:8080/ws"
)

// Environment variables read by ApplyEnv.
const (
	EnvAddr           = "COLOCATE_ADDR"
	EnvTickRate       = "COLOCATE_TICK_RATE"
	EnvLogLevel       = "COLOCATE_LOG_LEVEL"
	EnvRequestTimeout = "COLOCATE_REQUEST_TIMEOUT"
	EnvSmoothing      = "COLOCATE_SMOOTHING"
)

// Config is the merged configuration of both binaries.
type Config struct {
	Addr             string        `yaml:"addr"`
	TickRate         int           `yaml:"tickRate"`
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	DigestInterval   uint64        `yaml:"digestInterval"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	Log              LogConfig     `yaml:"log"`
	Objects          []Object      `yaml:"objects"`
	Peer             PeerConfig    `yaml:"peer"`
}

// LogConfig selects log sinks and the minimum severity.
type LogConfig struct {
	Level string   `yaml:"level"`
	Sinks []string `yaml:"sinks"`
	File  string   `yaml:"file"`
}

// Object seeds one shared object on the relay.
type Object struct {
	ID            string             `yaml:"id"`
	Position      spatial.Vec3       `yaml:"position"`
	Rotation      spatial.Quat       `yaml:"rotation"`
	Rest          release.RestConfig `yaml:"rest"`
	AllowOverride bool               `yaml:"allowOverride"`
}

// PeerConfig is only read by the peer binary.
type PeerConfig struct {
	ServerURL string `yaml:"serverUrl"`
	Actor     string `yaml:"actor"`
	Format    string `yaml:"format"`
	MapID     string `yaml:"mapId"`
	// Smoothing is the held-object follow rate. Zero tracks the hand exactly.
	Smoothing float64 `yaml:"smoothing"`
	// AnchorObjects binds objects to local anchors as they appear so that
	// releases re-anchor them.
	AnchorObjects bool `yaml:"anchorObjects"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	loop := relay.DefaultConfig()
	return Config{
		Addr:             DefaultAddr,
		TickRate:         loop.Loop.TickRate,
		HeartbeatTimeout: relay.DefaultHeartbeatTimeout,
		DigestInterval:   relay.DefaultDigestInterval,
		RequestTimeout:   authority.DefaultRequestTimeout,
		Log:              LogConfig{Level: "info", Sinks: []string{"console"}},
		Peer: PeerConfig{
			ServerURL:     DefaultServerURL,
			Format:        string(proto.FormatJSON),
			Smoothing:     follow.DefaultSmoothing,
			AnchorObjects: true,
		},
	}
}

// Normalized returns a config with defaults applied.
func (c Config) Normalized() Config {
	defaults := DefaultConfig()
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = defaults.Addr
	}
	if c.TickRate <= 0 {
		c.TickRate = defaults.TickRate
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if c.DigestInterval == 0 {
		c.DigestInterval = defaults.DigestInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if len(c.Log.Sinks) == 0 {
		c.Log.Sinks = defaults.Log.Sinks
	}
	if strings.TrimSpace(c.Peer.ServerURL) == "" {
		c.Peer.ServerURL = defaults.Peer.ServerURL
	}
	if c.Peer.Format == "" {
		c.Peer.Format = defaults.Peer.Format
	}
	return c
}

// Validate reports settings that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if _, err := logging.ParseSeverity(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := proto.ParseFormat(c.Peer.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Peer.Smoothing < 0 || math.IsNaN(c.Peer.Smoothing) || math.IsInf(c.Peer.Smoothing, 0) {
		errs = append(errs, fmt.Errorf("config: smoothing must be a finite non-negative rate, got %v", c.Peer.Smoothing))
	}
	seen := make(map[string]struct{}, len(c.Objects))
	for i, obj := range c.Objects {
		if obj.ID == "" {
			errs = append(errs, fmt.Errorf("config: objects[%d] has no id", i))
			continue
		}
		if _, dup := seen[obj.ID]; dup {
			errs = append(errs, fmt.Errorf("config: duplicate object %q", obj.ID))
		}
		seen[obj.ID] = struct{}{}
	}
	return errors.Join(errs...)
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment. lookup is os.LookupEnv in
// production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	if raw, ok := lookup(EnvAddr); ok && raw != "" {
		c.Addr = raw
	}
	if raw, ok := lookup(EnvTickRate); ok && raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: invalid %s=%q: %w", EnvTickRate, raw, err))
		} else {
			c.TickRate = value
		}
	}
	if raw, ok := lookup(EnvLogLevel); ok && raw != "" {
		c.Log.Level = raw
	}
	if raw, ok := lookup(EnvRequestTimeout); ok && raw != "" {
		value, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: invalid %s=%q: %w", EnvRequestTimeout, raw, err))
		} else {
			c.RequestTimeout = value
		}
	}
	if raw, ok := lookup(EnvSmoothing); ok && raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: invalid %s=%q: %w", EnvSmoothing, raw, err))
		} else {
			c.Peer.Smoothing = value
		}
	}
	return errors.Join(errs...)
}

// Flags holds the command-line overrides. Only flags the user set are
// applied.
type Flags struct {
	set *pflag.FlagSet

	ConfigPath     string
	Addr           string
	TickRate       int
	RequestTimeout time.Duration
	LogLevel       string
	ServerURL      string
	Actor          string
	Format         string
	MapID          string
	Smoothing      float64
}

// RegisterFlags adds the shared flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{set: fs}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&f.Addr, "addr", DefaultAddr, "relay listen address")
	fs.IntVar(&f.TickRate, "tick-rate", 0, "ticks per second")
	fs.DurationVar(&f.RequestTimeout, "request-timeout", authority.DefaultRequestTimeout, "how long an ownership request may stay unresolved")
	fs.StringVar(&f.LogLevel, "log-level", "info", "minimum log severity (debug, info, warn, error)")
	fs.StringVar(&f.ServerURL, "server", DefaultServerURL, "relay websocket URL (peer only)")
	fs.StringVar(&f.Actor, "actor", "", "actor id (peer only, defaults to a random id)")
	fs.StringVar(&f.Format, "format", string(proto.FormatJSON), "wire format: json or cbor (peer only)")
	fs.StringVar(&f.MapID, "map", "", "localization map id used for anchor sharing (peer only)")
	fs.Float64Var(&f.Smoothing, "smoothing", follow.DefaultSmoothing, "held-object follow rate, 0 tracks the hand exactly (peer only)")
	return f
}

// Apply copies every flag the user set onto cfg.
func (f *Flags) Apply(cfg *Config) {
	if f.set.Changed("addr") {
		cfg.Addr = f.Addr
	}
	if f.set.Changed("tick-rate") {
		cfg.TickRate = f.TickRate
	}
	if f.set.Changed("request-timeout") {
		cfg.RequestTimeout = f.RequestTimeout
	}
	if f.set.Changed("log-level") {
		cfg.Log.Level = f.LogLevel
	}
	if f.set.Changed("server") {
		cfg.Peer.ServerURL = f.ServerURL
	}
	if f.set.Changed("actor") {
		cfg.Peer.Actor = f.Actor
	}
	if f.set.Changed("format") {
		cfg.Peer.Format = f.Format
	}
	if f.set.Changed("map") {
		cfg.Peer.MapID = f.MapID
	}
	if f.set.Changed("smoothing") {
		cfg.Peer.Smoothing = f.Smoothing
	}
}

// Resolve parses args and merges file, environment and flags.
func Resolve(name string, args []string, lookup func(string) (string, bool)) (Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags := RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg, err := Load(flags.ConfigPath)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	flags.Apply(&cfg)
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Relay builds the hub configuration.
func (c Config) Relay() relay.Config {
	out := relay.DefaultConfig()
	out.Loop.TickRate = c.TickRate
	out.HeartbeatTimeout = c.HeartbeatTimeout
	out.DigestInterval = c.DigestInterval
	for _, obj := range c.Objects {
		out.Seed = append(out.Seed, proto.ObjectState{
			Object: ownership.Object{ID: ownership.ObjectID(obj.ID), AllowOverride: obj.AllowOverride},
			Pose:   spatial.NewPose(obj.Position, obj.Rotation),
			Rest:   obj.Rest.Normalized(),
		})
	}
	return out
}

// Session builds the peer session configuration.
func (c Config) Session() grab.Config {
	out := grab.DefaultConfig()
	out.RequestTimeout = c.RequestTimeout
	out.Smoothing = c.Peer.Smoothing
	out.AnchorOnAppear = c.Peer.AnchorObjects
	return out
}

// Logging builds the router configuration.
func (c Config) Logging() logging.Config {
	out := logging.DefaultConfig()
	if severity, err := logging.ParseSeverity(c.Log.Level); err == nil {
		out.MinimumSeverity = severity
	}
	out.EnabledSinks = append([]string(nil), c.Log.Sinks...)
	if c.Log.File != "" {
		out.JSON.FilePath = c.Log.File
		if !out.SinkEnabled("json") {
			out.EnabledSinks = append(out.EnabledSinks, "json")
		}
	}
	return out
}
