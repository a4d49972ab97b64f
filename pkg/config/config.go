package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	Identity    IdentityConfig    `toml:"identity"`
	Client      ClientConfig      `toml:"client"`
	Log         LogConfig         `toml:"log"`
	Tracing     TracingConfig     `toml:"tracing"`
	Journal     JournalConfig     `toml:"journal"`
	Credentials CredentialsConfig `toml:"credentials"`
	Diag        DiagConfig        `toml:"diag"`
}

type ServerConfig struct {
	Endpoint      string   `toml:"endpoint"`
	UploadURL     string   `toml:"upload_url"`
	UploadTimeout Duration `toml:"upload_timeout"`
}

type IdentityConfig struct {
	UserID   string `toml:"user_id"`
	UserType string `toml:"user_type"`
	UserName string `toml:"user_name"`
	// TokenName is the credential store entry holding the agent session token.
	TokenName string `toml:"token_name"`
}

type ClientConfig struct {
	QueueCapacity        int      `toml:"queue_capacity"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
	ReconnectBaseDelay   Duration `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	ReconnectMaxAttempts int      `toml:"reconnect_max_attempts"`
	DedupSize            int      `toml:"dedup_size"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
}

type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	DSN     string `toml:"dsn"`

	// Retention is how long entries are kept; zero keeps them forever.
	Retention Duration `toml:"retention"`
}

type CredentialsConfig struct {
	MasterKeyEnv string `toml:"master_key_env"`
}

type DiagConfig struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
	Port    int    `toml:"port"`
	// Token, when set, is required as a bearer token on /status and /metrics.
	Token   string `toml:"token"`
}

// Duration decodes TOML strings such as "30s" or "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Endpoint:      "ws://localhost:8080/ws",
			UploadURL:     "http://localhost:8080",
			UploadTimeout: Duration{60 * time.Second},
		},
		Identity: IdentityConfig{
			UserType:  "kefu",
			TokenName: "session_token",
		},
		Client: ClientConfig{
			QueueCapacity:        100,
			HeartbeatInterval:    Duration{30 * time.Second},
			ReconnectBaseDelay:   Duration{time.Second},
			ReconnectMaxDelay:    Duration{30 * time.Second},
			ReconnectMaxAttempts: 10,
			DedupSize:            1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Journal: JournalConfig{
			Enabled:   true,
			DSN:       filepath.Join(DataDir(), "kefu.db"),
			Retention: Duration{30 * 24 * time.Hour},
		},
		Credentials: CredentialsConfig{
			MasterKeyEnv: "KEFU_MASTER_KEY",
		},
		Diag: DiagConfig{
			Bind: "loopback",
			Port: 18790,
		},
	}
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Journal.DSN == "" {
		cfg.Journal.DSN = filepath.Join(DataDir(), "kefu.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

// Validate reports settings the client cannot run with. Zero numeric values
// are allowed and fall back to the component defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Endpoint != "" {
		u, err := url.Parse(c.Server.Endpoint)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.endpoint: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("server.endpoint: scheme %q must be ws or wss", u.Scheme))
		}
	}
	switch c.Identity.UserType {
	case "", "kefu", "kehu":
	default:
		errs = append(errs, fmt.Errorf("identity.user_type: %q must be kefu or kehu", c.Identity.UserType))
	}
	if c.Client.QueueCapacity < 0 {
		errs = append(errs, errors.New("client.queue_capacity: must not be negative"))
	}
	if c.Journal.Retention.Duration < 0 {
		errs = append(errs, errors.New("journal.retention: must not be negative"))
	}
	if c.Client.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("client.reconnect_max_attempts: must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio: must be between 0 and 1"))
	}
	if c.Diag.Port < 0 || c.Diag.Port > 65535 {
		errs = append(errs, fmt.Errorf("diag.port: %d out of range", c.Diag.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DiagAddr resolves the bind mode to a listen address.
func (c *Config) DiagAddr() string {
	host := "127.0.0.1"
	switch c.Diag.Bind {
	case "lan", "all":
		host = "0.0.0.0"
	case "", "loopback":
	default:
		host = c.Diag.Bind
	}
	return fmt.Sprintf("%s:%d", host, c.Diag.Port)
}

func Current() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Default()
	}
	return current
}

func DataDir() string {
	if dir := os.Getenv("KEFU_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kefu"
	}
	return filepath.Join(home, ".kefu")
}

func DefaultConfigPath() string {
	return filepath.Join(DataDir(), "kefu.toml")
}

func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0700)
}
