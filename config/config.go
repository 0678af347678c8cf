// Package config loads slidepilot configuration from YAML files. Defaults
// come from Default, file values overlay them, and Validate rejects
// combinations the process could not start with. Polling cadences live here
// rather than as constants in call sites so operators can tune them per
// deployment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pathscope/slidepilot/runtime/mcp"
	"github.com/pathscope/slidepilot/runtime/retry"
	"github.com/pathscope/slidepilot/runtime/viewer"
	"github.com/pathscope/slidepilot/runtime/workflow"
)

type (
	// Config is the root configuration document.
	Config struct {
		Viewer  ViewerConfig  `yaml:"viewer"`
		Server  ServerConfig  `yaml:"server"`
		Mongo   MongoConfig   `yaml:"mongo"`
		Redis   RedisConfig   `yaml:"redis"`
		Connect ConnectConfig `yaml:"connect"`
	}

	// ViewerConfig describes the slide viewer connection and the pipeline
	// knobs that shape how the engine drives it.
	ViewerConfig struct {
		// StreamURL is the viewer's SSE endpoint. Required.
		StreamURL string `yaml:"stream_url"`
		// ClientName, ClientVersion and ProtocolVersion identify this client
		// in the initialize handshake.
		ClientName      string `yaml:"client_name"`
		ClientVersion   string `yaml:"client_version"`
		ProtocolVersion string `yaml:"protocol_version"`
		// RequestTimeout bounds each RPC when the caller's context carries no
		// deadline.
		RequestTimeout Duration `yaml:"request_timeout"`
		// EndpointTimeout bounds the wait for the endpoint announcement after
		// the stream opens.
		EndpointTimeout Duration `yaml:"endpoint_timeout"`
		// LockTTL is the navigation lock lease requested at run start.
		LockTTL Duration `yaml:"lock_ttl"`
		// SettleDelay is the pause after the baseline reset before the
		// viewport is sampled.
		SettleDelay Duration `yaml:"settle_delay"`
		// Await tunes movement-completion polling.
		Await AwaitConfig `yaml:"await"`
		// RateLimit tunes the adaptive transport limiter.
		RateLimit RateLimitConfig `yaml:"rate_limit"`
	}

	// AwaitConfig tunes the poll loop that waits for viewer navigation to
	// complete.
	AwaitConfig struct {
		Interval Duration `yaml:"interval"`
		Deadline Duration `yaml:"deadline"`
	}

	// RateLimitConfig bounds tool-call throughput against a shared viewer.
	// Budgets are request units per minute. ClusterKey enables a
	// Redis-replicated shared budget when Redis is configured; empty keeps
	// the limiter process-local.
	RateLimitConfig struct {
		InitialRPM float64 `yaml:"initial_rpm"`
		MaxRPM     float64 `yaml:"max_rpm"`
		ClusterKey string  `yaml:"cluster_key"`
	}

	// ServerConfig describes the HTTP front door.
	ServerConfig struct {
		// Listen is the address the front door binds, e.g. ":8000".
		Listen string `yaml:"listen"`
		// Debug mounts pprof and the debug log enabler.
		Debug bool `yaml:"debug"`
	}

	// MongoConfig describes the durable run store. An empty URI keeps runs
	// in memory.
	MongoConfig struct {
		URI        string   `yaml:"uri"`
		Database   string   `yaml:"database"`
		Collection string   `yaml:"collection"`
		Timeout    Duration `yaml:"timeout"`
	}

	// RedisConfig describes the Redis connection behind the Pulse progress
	// mirror and the cluster rate-limit budget. An empty Addr disables both.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// ConnectConfig shapes the caller-side retry policy used when first
	// dialing the viewer.
	ConnectConfig struct {
		MaxAttempts       int      `yaml:"max_attempts"`
		InitialBackoff    Duration `yaml:"initial_backoff"`
		MaxBackoff        Duration `yaml:"max_backoff"`
		BackoffMultiplier float64  `yaml:"backoff_multiplier"`
		Jitter            float64  `yaml:"jitter"`
	}

	// Duration is a time.Duration that unmarshals from YAML strings such as
	// "500ms" or "1m30s".
	Duration time.Duration
)

// Default returns the configuration used when no file value overrides it.
func Default() Config {
	rc := retry.DefaultConfig()
	return Config{
		Viewer: ViewerConfig{
			StreamURL:       "http://127.0.0.1:9000/sse",
			ClientName:      "slidepilot",
			ClientVersion:   "0.1.0",
			ProtocolVersion: mcp.DefaultProtocolVersion,
			RequestTimeout:  Duration(mcp.DefaultRequestTimeout),
			EndpointTimeout: Duration(mcp.DefaultEndpointTimeout),
			LockTTL:         Duration(viewer.DefaultLockTTL),
			SettleDelay:     Duration(workflow.DefaultSettleDelay),
			Await: AwaitConfig{
				Interval: Duration(viewer.DefaultAwaitInterval),
				Deadline: Duration(viewer.DefaultAwaitDeadline),
			},
			RateLimit: RateLimitConfig{
				InitialRPM: 300,
				MaxRPM:     600,
			},
		},
		Server: ServerConfig{
			Listen: ":8000",
		},
		Mongo: MongoConfig{
			Database:   "slidepilot",
			Collection: "slide_runs",
			Timeout:    Duration(5 * time.Second),
		},
		Connect: ConnectConfig{
			MaxAttempts:       rc.MaxAttempts,
			InitialBackoff:    Duration(rc.InitialBackoff),
			MaxBackoff:        Duration(rc.MaxBackoff),
			BackoffMultiplier: rc.BackoffMultiplier,
			Jitter:            rc.Jitter,
		},
	}
}

// Load reads the YAML file at path and overlays it onto Default. An empty
// path returns the defaults unchanged. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's own flag
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the process could not start with.
func (c Config) Validate() error {
	if c.Viewer.StreamURL == "" {
		return errors.New("viewer stream URL is required")
	}
	if _, err := url.Parse(c.Viewer.StreamURL); err != nil {
		return fmt.Errorf("parse viewer stream URL: %w", err)
	}
	if c.Server.Listen == "" {
		return errors.New("server listen address is required")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("mongo database is required when a URI is set")
	}
	if c.Viewer.RateLimit.ClusterKey != "" && c.Redis.Addr == "" {
		return errors.New("rate limit cluster key requires a redis address")
	}
	return nil
}

// RetryConfig converts the connect section into the retry policy the dial
// path consumes.
func (c ConnectConfig) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:       c.MaxAttempts,
		InitialBackoff:    time.Duration(c.InitialBackoff),
		MaxBackoff:        time.Duration(c.MaxBackoff),
		BackoffMultiplier: c.BackoffMultiplier,
		Jitter:            c.Jitter,
	}
}

// AwaitOptions converts the await section into viewer polling options.
func (c AwaitConfig) AwaitOptions() viewer.AwaitOptions {
	return viewer.AwaitOptions{
		Interval: time.Duration(c.Interval),
		Deadline: time.Duration(c.Deadline),
	}
}

// UnmarshalYAML decodes durations written as strings, e.g. "50ms".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string such as \"500ms\", got %q", value.Value)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML renders durations in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
