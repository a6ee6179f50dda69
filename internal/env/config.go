package env

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/ewrogers/postgredis/protocol"
)

// Config is the server configuration.
//
// It's loaded in layers, each overriding the last: DefaultConfig, an optional
// YAML file, .env.local, then POSTGREDIS_* environment variables. Command line
// flags are applied on top by the caller.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	HTTPPort int    `json:"httpPort"`

	NumListeners int  `json:"numListeners"`
	Reuseport    bool `json:"reuseport"`
	Trace        bool `json:"trace"`

	QueueSize    int      `json:"queueSize"`
	ReplyBuffer  int      `json:"replyBuffer"`
	ReplyTimeout Duration `json:"replyTimeout"`
	IdleTimeout  Duration `json:"idleTimeout"`
	WriteTimeout Duration `json:"writeTimeout"`

	RateLimit float64 `json:"rateLimit"`
	RateBurst int     `json:"rateBurst"`

	// Protocol limits for each request.
	MaxBulkLen  int `json:"maxBulkLen"`
	MaxArrayLen int `json:"maxArrayLen"`
	MaxLineLen  int `json:"maxLineLen"`

	LogLevel    string `json:"logLevel"`
	LogEncoding string `json:"logEncoding"`

	DebugHTTP bool `json:"debugHTTP"`
}

// envOverrides holds the POSTGREDIS_* variables. Only variables that are set
// and non-empty override the lower layers.
type envOverrides struct {
	Host     envVar[string] `env:"POSTGREDIS_HOST"`
	Port     envVar[int]    `env:"POSTGREDIS_PORT"`
	HTTPPort envVar[int]    `env:"POSTGREDIS_HTTP_PORT"`

	NumListeners envVar[int]  `env:"POSTGREDIS_NUM_LISTENERS"`
	Reuseport    envVar[bool] `env:"POSTGREDIS_REUSEPORT"`
	Trace        envVar[bool] `env:"POSTGREDIS_TRACE"`

	QueueSize    envVar[int]      `env:"POSTGREDIS_QUEUE_SIZE"`
	ReplyBuffer  envVar[int]      `env:"POSTGREDIS_REPLY_BUFFER"`
	ReplyTimeout envVar[Duration] `env:"POSTGREDIS_REPLY_TIMEOUT"`
	IdleTimeout  envVar[Duration] `env:"POSTGREDIS_IDLE_TIMEOUT"`
	WriteTimeout envVar[Duration] `env:"POSTGREDIS_WRITE_TIMEOUT"`

	RateLimit envVar[float64] `env:"POSTGREDIS_RATE_LIMIT"`
	RateBurst envVar[int]     `env:"POSTGREDIS_RATE_BURST"`

	MaxBulkLen  envVar[int] `env:"POSTGREDIS_MAX_BULK_LEN"`
	MaxArrayLen envVar[int] `env:"POSTGREDIS_MAX_ARRAY_LEN"`
	MaxLineLen  envVar[int] `env:"POSTGREDIS_MAX_LINE_LEN"`

	LogLevel    envVar[string] `env:"POSTGREDIS_LOG_LEVEL"`
	LogEncoding envVar[string] `env:"POSTGREDIS_LOG_ENCODING"`

	DebugHTTP envVar[bool] `env:"POSTGREDIS_DEBUG_HTTP"`
}

// envVar is a single environment variable that may be unset.
//
// envconfig allocates pointer fields even for unset variables, and calls the
// decoder of struct fields with an empty value when they are unset, so a
// decoder is the only way to tell the two apart.
type envVar[T any] struct {
	value T
	set   bool
}

// EnvDecode implements envconfig.Decoder. The value itself is converted by
// envconfig, the same way it converts a plain T field.
func (v *envVar[T]) EnvDecode(val string) error {
	if val == "" {
		return nil
	}

	var holder struct {
		Value T `env:"VALUE"`
	}

	lookuper := envconfig.MapLookuper(map[string]string{"VALUE": val})
	if err := envconfig.ProcessWith(context.Background(), &holder, lookuper); err != nil {
		return err
	}

	v.value, v.set = holder.Value, true
	return nil
}

func (v envVar[T]) apply(dst *T) {
	if v.set {
		*dst = v.value
	}
}

func DefaultConfig() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         6379,
		HTTPPort:     6380,
		Reuseport:    true,
		QueueSize:    1024,
		ReplyBuffer:  128,
		ReplyTimeout: Duration(5 * time.Second),
		WriteTimeout: Duration(10 * time.Second),
		MaxBulkLen:   protocol.DefaultMaxBulkLen,
		MaxArrayLen:  protocol.DefaultMaxArrayLen,
		MaxLineLen:   protocol.DefaultMaxLineLen,
		LogLevel:     "info",
		LogEncoding:  "json",
	}
}

// LoadConfig builds the configuration from the defaults, the YAML file at
// path (skipped when path is empty), .env.local and the environment.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(".env.local"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env.local: %w", err)
	}

	if err := applyEnv(ctx, &config, envconfig.OsLookuper()); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func applyEnv(ctx context.Context, config *Config, lookuper envconfig.Lookuper) error {
	var o envOverrides
	if err := envconfig.ProcessWith(ctx, &o, lookuper); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	o.Host.apply(&config.Host)
	o.Port.apply(&config.Port)
	o.HTTPPort.apply(&config.HTTPPort)
	o.NumListeners.apply(&config.NumListeners)
	o.Reuseport.apply(&config.Reuseport)
	o.Trace.apply(&config.Trace)
	o.QueueSize.apply(&config.QueueSize)
	o.ReplyBuffer.apply(&config.ReplyBuffer)
	o.ReplyTimeout.apply(&config.ReplyTimeout)
	o.IdleTimeout.apply(&config.IdleTimeout)
	o.WriteTimeout.apply(&config.WriteTimeout)
	o.RateLimit.apply(&config.RateLimit)
	o.RateBurst.apply(&config.RateBurst)
	o.MaxBulkLen.apply(&config.MaxBulkLen)
	o.MaxArrayLen.apply(&config.MaxArrayLen)
	o.MaxLineLen.apply(&config.MaxLineLen)
	o.LogLevel.apply(&config.LogLevel)
	o.LogEncoding.apply(&config.LogEncoding)
	o.DebugHTTP.apply(&config.DebugHTTP)

	return nil
}

// Validate reports the first setting that can't work.
func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.HTTPPort < 0 || c.HTTPPort > 65535:
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	case c.QueueSize < 1:
		return fmt.Errorf("queue size must be at least 1, got %d", c.QueueSize)
	case c.ReplyBuffer < 1:
		return fmt.Errorf("reply buffer must be at least 1, got %d", c.ReplyBuffer)
	case c.RateLimit < 0:
		return fmt.Errorf("rate limit can't be negative")
	case c.MaxBulkLen < 1 || c.MaxArrayLen < 1 || c.MaxLineLen < 1:
		return fmt.Errorf("protocol limits must be at least 1")
	case c.LogEncoding != "json" && c.LogEncoding != "console":
		return fmt.Errorf("unknown log encoding %q", c.LogEncoding)
	}

	return nil
}

// CodecOptions are the protocol limits as options for protocol.NewCodec.
func (c *Config) CodecOptions() []protocol.CodecOption {
	return []protocol.CodecOption{
		protocol.WithMaxBulkLen(c.MaxBulkLen),
		protocol.WithMaxArrayLen(c.MaxArrayLen),
		protocol.WithMaxLineLen(c.MaxLineLen),
	}
}

// YAML renders the config the way LoadConfig reads it.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Duration is a time.Duration written as a Go duration string, like "5s",
// in both YAML and environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}

	return d.EnvDecode(s)
}

// EnvDecode implements envconfig.Decoder.
func (d *Duration) EnvDecode(val string) error {
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}
