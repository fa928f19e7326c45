package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Size is a byte count that unmarshals from either a plain integer or a
// human-readable size string such as "256MB" or "2 GiB".
type Size int64

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (s *Size) UnmarshalYAML(b []byte) error {
	text := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	if text == "" {
		*s = 0
		return nil
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		if n < 0 {
			return fmt.Errorf("size must be non-negative: %d", n)
		}
		*s = Size(n)
		return nil
	}
	n, err := humanize.ParseBytes(text)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(n)
	return nil
}

// Int64 returns the size in bytes.
func (s Size) Int64() int64 { return int64(s) }

// Config is the top-level gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`

	CompressedCache   CacheConfig `yaml:"compressed_cache"`
	UncompressedCache CacheConfig `yaml:"uncompressed_cache"`

	Backend BackendConfig `yaml:"backend"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Admin   AdminConfig   `yaml:"admin"`

	Services []ServiceConfig `yaml:"services"`
}

// ServerConfig holds the client-facing HTTP server settings.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// CacheConfig holds the budgets for one response cache pool.
type CacheConfig struct {
	MemoryBytes     Size   `yaml:"memory_bytes"`
	FilesystemBytes Size   `yaml:"filesystem_bytes"`
	Directory       string `yaml:"directory"`
}

// BackendConfig holds backend conversation settings.
type BackendConfig struct {
	// Timeout is the backend idle timeout in seconds.
	Timeout int `yaml:"timeout"`
	// Threads bounds the number of concurrent backend conversations.
	Threads int `yaml:"threads"`
}

// ProxyConfig holds streaming buffer limits.
type ProxyConfig struct {
	// MaxBufferSize caps the outbound buffer before reads pause.
	MaxBufferSize Size `yaml:"max_buffer_size"`
	// MaxCachedBufferSize caps the cache staging buffer before caching
	// is abandoned for the response.
	MaxCachedBufferSize Size `yaml:"max_cached_buffer_size"`
}

// AdminConfig holds admin plane credentials.
type AdminConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServiceConfig declares one routed service and its backends.
type ServiceConfig struct {
	URI           string              `yaml:"uri"`
	DefinesPrefix bool                `yaml:"defines_prefix"`
	Backends      []BackendAddrConfig `yaml:"backends"`
}

// BackendAddrConfig identifies one backend server.
type BackendAddrConfig struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

const (
	// DefaultBackendTimeout is the backend idle timeout in seconds.
	DefaultBackendTimeout = 600
	// DefaultBackendThreads bounds concurrent backend conversations.
	DefaultBackendThreads = 20
	// DefaultMaxBufferSize is the outbound buffer cap (16 MiB).
	DefaultMaxBufferSize = 16 * 1024 * 1024
	// DefaultMaxCachedBufferSize is the staging buffer cap (20 MiB).
	DefaultMaxCachedBufferSize = 20 * 1024 * 1024
)

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       90 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Backend: BackendConfig{
			Timeout: DefaultBackendTimeout,
			Threads: DefaultBackendThreads,
		},
		Proxy: ProxyConfig{
			MaxBufferSize:       DefaultMaxBufferSize,
			MaxCachedBufferSize: DefaultMaxCachedBufferSize,
		},
	}
}

// BackendTimeout returns the backend idle timeout as a duration.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.Timeout) * time.Second
}
