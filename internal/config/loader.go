package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
		return fmt.Errorf("server.listen must be host:port or :port: %w", err)
	}

	if cfg.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be > 0")
	}
	if cfg.Backend.Threads <= 0 {
		return fmt.Errorf("backend.threads must be > 0")
	}

	if cfg.Proxy.MaxBufferSize <= 0 {
		return fmt.Errorf("proxy.max_buffer_size must be > 0")
	}
	if cfg.Proxy.MaxCachedBufferSize <= 0 {
		return fmt.Errorf("proxy.max_cached_buffer_size must be > 0")
	}

	// Cache pools with a filesystem budget need a directory to spill to.
	if err := validateCachePool("compressed_cache", cfg.CompressedCache); err != nil {
		return err
	}
	if err := validateCachePool("uncompressed_cache", cfg.UncompressedCache); err != nil {
		return err
	}

	// Basic auth needs both halves or neither.
	if (cfg.Admin.User == "") != (cfg.Admin.Password == "") {
		return fmt.Errorf("admin user and password must be set together")
	}

	seen := make(map[string]bool, len(cfg.Services))
	for i, svc := range cfg.Services {
		if svc.URI == "" {
			return fmt.Errorf("service %d: uri is required", i)
		}
		if !strings.HasPrefix(svc.URI, "/") {
			return fmt.Errorf("service %s: uri must start with '/'", svc.URI)
		}
		if seen[svc.URI] {
			return fmt.Errorf("duplicate service uri: %s", svc.URI)
		}
		seen[svc.URI] = true

		for j, b := range svc.Backends {
			if b.Name == "" {
				return fmt.Errorf("service %s: backend %d: name is required", svc.URI, j)
			}
			if b.IP == "" {
				return fmt.Errorf("service %s: backend %s: ip is required", svc.URI, b.Name)
			}
			if b.Port <= 0 || b.Port > 65535 {
				return fmt.Errorf("service %s: backend %s: invalid port %d", svc.URI, b.Name, b.Port)
			}
		}
	}

	return nil
}

func validateCachePool(name string, cc CacheConfig) error {
	if cc.MemoryBytes < 0 || cc.FilesystemBytes < 0 {
		return fmt.Errorf("%s: byte budgets must be non-negative", name)
	}
	if cc.FilesystemBytes > 0 && cc.Directory == "" {
		return fmt.Errorf("%s: directory is required when filesystem_bytes is set", name)
	}
	return nil
}
