package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/eventbus"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "MIDDLEWARED"

// Config is the complete middlewared configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Socket    SocketConfig    `yaml:"socket"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	REST      RESTConfig      `yaml:"rest"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Auth      AuthConfig      `yaml:"auth"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Relay     RelayConfig     `yaml:"relay"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SocketConfig controls the local unix socket transport.
type SocketConfig struct {
	Path string `yaml:"path"`
}

// WebSocketConfig controls the websocket transport.
type WebSocketConfig struct {
	Addr string `yaml:"addr"`
}

// RESTConfig controls the HTTP facade.
type RESTConfig struct {
	Addr string `yaml:"addr"`
}

// JobsConfig controls the job manager.
type JobsConfig struct {
	StorePath string `yaml:"store_path"`
	LogDir    string `yaml:"log_dir"`
	Workers   int    `yaml:"workers"`
	KeepJobs  int    `yaml:"keep_jobs"`
	KeepLogs  int    `yaml:"keep_logs"`
}

// AuthConfig controls session authentication.
type AuthConfig struct {
	AccountsPath  string        `yaml:"accounts_path"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	RateLimitSecs float64       `yaml:"rate_limit_secs"` // min seconds between failed attempts per origin
	RateBurst     int           `yaml:"rate_burst"`
}

// DispatchConfig controls the call dispatcher.
type DispatchConfig struct {
	PoolWorkers int `yaml:"pool_workers"`
	PoolQueue   int `yaml:"pool_queue"`
}

// RelayConfig controls event forwarding to the HA peer.
type RelayConfig struct {
	Enabled   bool     `yaml:"enabled"`
	URL       string   `yaml:"url"`
	Subject   string   `yaml:"subject"`
	NodeID    string   `yaml:"node_id"`
	AllowList []string `yaml:"allow_list"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Socket: SocketConfig{
			Path: "/var/run/middlewared.sock",
		},
		WebSocket: WebSocketConfig{
			Addr: "127.0.0.1:6000",
		},
		REST: RESTConfig{
			Addr: "127.0.0.1:6001",
		},
		Jobs: JobsConfig{
			StorePath: "/var/lib/middlewared/jobs.db",
			LogDir:    "/var/log/middlewared/jobs",
			Workers:   16,
			KeepJobs:  1000,
			KeepLogs:  1000,
		},
		Auth: AuthConfig{
			AccountsPath:  "/etc/middlewared/accounts.yaml",
			TokenTTL:      10 * time.Minute,
			RateLimitSecs: 2,
			RateBurst:     5,
		},
		Dispatch: DispatchConfig{
			PoolWorkers: 32,
			PoolQueue:   1024,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then validates it. An empty path skips the file
// layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "file read")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapKind(err, errors.KindValidation, "config", "Load", "yaml parsing")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MIDDLEWARED_* environment variables.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if val := os.Getenv(EnvPrefix + "_" + key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(EnvPrefix + "_" + key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}

	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)
	setString("SOCKET_PATH", &c.Socket.Path)
	setString("WS_ADDR", &c.WebSocket.Addr)
	setString("REST_ADDR", &c.REST.Addr)
	setString("ACCOUNTS_PATH", &c.Auth.AccountsPath)
	setString("JOB_STORE_PATH", &c.Jobs.StorePath)
	setString("JOB_LOG_DIR", &c.Jobs.LogDir)
	setInt("JOB_WORKERS", &c.Jobs.Workers)
	setString("RELAY_URL", &c.Relay.URL)
	setString("RELAY_NODE_ID", &c.Relay.NodeID)
	if val := os.Getenv(EnvPrefix + "_RELAY_ENABLED"); val != "" {
		c.Relay.Enabled = val == "1" || val == "true"
	}
}

// Validate checks the configuration for startup.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.KindValidation, "unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.Newf(errors.KindValidation, "unknown log format %q", c.Log.Format)
	}

	if c.Socket.Path == "" {
		return errors.New(errors.KindValidation, "socket.path is required")
	}
	if c.WebSocket.Addr == "" {
		return errors.New(errors.KindValidation, "websocket.addr is required")
	}
	if c.REST.Addr == "" {
		return errors.New(errors.KindValidation, "rest.addr is required")
	}

	if c.Jobs.StorePath == "" {
		return errors.New(errors.KindValidation, "jobs.store_path is required")
	}
	if c.Jobs.LogDir == "" {
		return errors.New(errors.KindValidation, "jobs.log_dir is required")
	}
	if c.Jobs.Workers <= 0 {
		return errors.New(errors.KindValidation, "jobs.workers must be positive")
	}
	if c.Jobs.KeepJobs < 0 || c.Jobs.KeepLogs < 0 {
		return errors.New(errors.KindValidation, "jobs retention counts cannot be negative")
	}

	if c.Auth.AccountsPath == "" {
		return errors.New(errors.KindValidation, "auth.accounts_path is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New(errors.KindValidation, "auth.token_ttl must be positive")
	}
	if c.Auth.RateLimitSecs <= 0 || c.Auth.RateBurst <= 0 {
		return errors.New(errors.KindValidation, "auth rate limit settings must be positive")
	}

	if c.Dispatch.PoolWorkers <= 0 || c.Dispatch.PoolQueue <= 0 {
		return errors.New(errors.KindValidation, "dispatch pool settings must be positive")
	}

	if c.Relay.Enabled {
		if c.Relay.URL == "" {
			return errors.New(errors.KindValidation, "relay.url is required when relay is enabled")
		}
		if c.Relay.NodeID == "" {
			return errors.New(errors.KindValidation, "relay.node_id is required when relay is enabled")
		}
		for _, glob := range c.Relay.AllowList {
			if err := eventbus.ValidateGlob(glob); err != nil {
				return errors.Wrap(err, "config", "Validate", "relay allow-list")
			}
		}
	}
	return nil
}
