package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/termhub/termhub/backend/internal/ptyproc"
	"github.com/termhub/termhub/backend/internal/session"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultBufferSize is the per-session ceiling for output produced
	// while nobody is attached.
	DefaultBufferSize = 2 * 1024 * 1024

	// DefaultFlushChunkSize bounds a single write when replaying buffered
	// output to a newly attached subscriber.
	DefaultFlushChunkSize = 64 * 1024

	// DefaultMaxBufferSize is the largest buffer ceiling a create request
	// may ask for.
	DefaultMaxBufferSize = 64 * 1024 * 1024
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Embedded EmbeddedConfig `yaml:"embedded"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Events   EventsConfig   `yaml:"events"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
}

type SessionsConfig struct {
	BufferSize     int               `yaml:"buffer_size"`
	FlushChunkSize int               `yaml:"flush_chunk_size"`
	MaxBufferSize  int               `yaml:"max_buffer_size"`
	Shell          string            `yaml:"shell"`
	DefaultCwd     string            `yaml:"default_cwd"`
	LoginShell     bool              `yaml:"login_shell"`
	Env            map[string]string `yaml:"env"`
}

// EmbeddedConfig describes the sub-application launched by the embedded
// session mode. Port is the sibling HTTP endpoint the application is
// pinned to.
type EmbeddedConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Cwd     string            `yaml:"cwd"`
	Port    int               `yaml:"port"`
	Env     map[string]string `yaml:"env"`
}

type BridgeConfig struct {
	SendQueue    int           `yaml:"send_queue"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// EventsConfig controls the lifecycle event stream. MaxClients of 0 means
// unlimited.
type EventsConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxClients       int           `yaml:"max_clients"`
}

type PrivacyConfig struct {
	MaskWorkingDirs bool     `yaml:"mask_working_dirs"`
	MaskPIDs        bool     `yaml:"mask_pids"`
	AllowedPaths    []string `yaml:"allowed_paths"`
	BlockedPaths    []string `yaml:"blocked_paths"`
}

// NewPrivacyFilter builds the session filter described by this config.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskWorkingDirs: p.MaskWorkingDirs,
		MaskPIDs:        p.MaskPIDs,
		AllowedPaths:    p.AllowedPaths,
		BlockedPaths:    p.BlockedPaths,
	}
}

// Limits returns the buffer limits applied to newly created sessions.
func (s SessionsConfig) Limits() session.Limits {
	return session.Limits{
		BufferSize:     s.BufferSize,
		FlushChunkSize: s.FlushChunkSize,
		MaxBufferSize:  s.MaxBufferSize,
	}
}

// LaunchDefaults returns the settings session launch requests are resolved
// against.
func (c *Config) LaunchDefaults() ptyproc.LaunchDefaults {
	return ptyproc.LaunchDefaults{
		Shell:      c.Sessions.Shell,
		Cwd:        c.Sessions.DefaultCwd,
		LoginShell: c.Sessions.LoginShell,
		Env:        c.Sessions.Env,
		Embedded: ptyproc.EmbeddedApp{
			Command: c.Embedded.Command,
			Args:    c.Embedded.Args,
			Cwd:     c.Embedded.Cwd,
			Port:    c.Embedded.Port,
			Env:     c.Embedded.Env,
		},
	}
}

// Addr is the host:port the server listens on.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Sessions: SessionsConfig{
			BufferSize:     DefaultBufferSize,
			FlushChunkSize: DefaultFlushChunkSize,
			MaxBufferSize:  DefaultMaxBufferSize,
			LoginShell:     true,
		},
		Embedded: EmbeddedConfig{
			Port: 4096,
		},
		Bridge: BridgeConfig{
			SendQueue:    256,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Events: EventsConfig{
			SnapshotInterval: 5 * time.Second,
		},
	}
}

// Load reads the config file at path. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sessions.BufferSize <= 0 {
		return fmt.Errorf("sessions.buffer_size must be positive, got %d", c.Sessions.BufferSize)
	}
	if c.Sessions.FlushChunkSize <= 0 {
		return fmt.Errorf("sessions.flush_chunk_size must be positive, got %d", c.Sessions.FlushChunkSize)
	}
	if c.Sessions.MaxBufferSize < c.Sessions.BufferSize {
		return fmt.Errorf("sessions.max_buffer_size %d is below sessions.buffer_size %d",
			c.Sessions.MaxBufferSize, c.Sessions.BufferSize)
	}
	if c.Bridge.SendQueue <= 0 {
		return fmt.Errorf("bridge.send_queue must be positive, got %d", c.Bridge.SendQueue)
	}
	if c.Bridge.WriteTimeout <= 0 {
		return errors.New("bridge.write_timeout must be positive")
	}
	if c.Events.MaxClients < 0 {
		return fmt.Errorf("events.max_clients must not be negative, got %d", c.Events.MaxClients)
	}
	if c.Events.SnapshotInterval <= 0 {
		return errors.New("events.snapshot_interval must be positive")
	}
	return nil
}
