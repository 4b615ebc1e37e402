// Package config provides Viper-based configuration loading for the collab server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. COLLAB_SERVER_ADDR.
const EnvPrefix = "COLLAB"

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// CORSOrigins is the allow-list handed to the CORS middleware.
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// WebSocketConfig holds settings for room streams.
type WebSocketConfig struct {
	ReadBufferSize  int   `mapstructure:"read_buffer_size"`
	WriteBufferSize int   `mapstructure:"write_buffer_size"`
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// WriteWait bounds a single outbound frame write. Zero disables the deadline.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PingInterval enables keepalive pings when positive.
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// ToolchainConfig names the host binaries used by the local backend.
type ToolchainConfig struct {
	Python string `mapstructure:"python"`
	GCC    string `mapstructure:"gcc"`
	GPP    string `mapstructure:"gpp"`
	Node   string `mapstructure:"node"`
}

// DockerConfig holds settings for the container backend.
type DockerConfig struct {
	PythonImage string `mapstructure:"python_image"`
	CImage      string `mapstructure:"c_image"`
	CPPImage    string `mapstructure:"cpp_image"`
	NodeImage   string `mapstructure:"node_image"`
	MemoryBytes int64  `mapstructure:"memory_bytes"`
	NanoCPUs    int64  `mapstructure:"nano_cpus"`
}

// ExecConfig holds execution dispatcher settings.
type ExecConfig struct {
	// Backend is "local" (host processes) or "docker".
	Backend string `mapstructure:"backend"`
	// WorkDir receives the temporary source files. Empty means a codecollab directory under the OS temp dir.
	WorkDir string `mapstructure:"work_dir"`
	// Timeout is the per-request execution deadline. Zero means no deadline.
	Timeout         time.Duration   `mapstructure:"timeout"`
	Toolchain       ToolchainConfig `mapstructure:"toolchain"`
	Docker          DockerConfig    `mapstructure:"docker"`
	JanitorSchedule string          `mapstructure:"janitor_schedule"`
	JanitorMaxAge   time.Duration   `mapstructure:"janitor_max_age"`
}

// EventsConfig holds settings for the Redis event feed. An empty RedisAddr disables it.
type EventsConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	Channel   string `mapstructure:"channel"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Exec      ExecConfig      `mapstructure:"exec"`
	Events    EventsConfig    `mapstructure:"events"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateWebSocket(c.WebSocket); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateExec(c.Exec); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateEvents(c.Events); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.IdleTimeout < 0 {
		errs = append(errs, "server timeouts must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if w.ReadBufferSize < 0 || w.WriteBufferSize < 0 {
		errs = append(errs, "websocket buffer sizes must not be negative")
	}
	if w.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_bytes must be >= 0, got %d", w.MaxMessageBytes))
	}
	if w.WriteWait < 0 || w.PingInterval < 0 {
		errs = append(errs, "websocket durations must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateExec(e ExecConfig) error {
	var errs []string
	switch e.Backend {
	case "local":
		if e.Toolchain.Python == "" || e.Toolchain.GCC == "" || e.Toolchain.GPP == "" || e.Toolchain.Node == "" {
			errs = append(errs, "exec.toolchain entries must not be empty")
		}
	case "docker":
		d := e.Docker
		if d.PythonImage == "" || d.CImage == "" || d.CPPImage == "" || d.NodeImage == "" {
			errs = append(errs, "exec.docker images must not be empty")
		}
		if d.MemoryBytes < 0 || d.NanoCPUs < 0 {
			errs = append(errs, "exec.docker limits must not be negative")
		}
	default:
		errs = append(errs, fmt.Sprintf("exec.backend must be one of [local, docker], got %q", e.Backend))
	}
	if e.Timeout < 0 {
		errs = append(errs, "exec.timeout must not be negative")
	}
	if e.JanitorMaxAge < 0 {
		errs = append(errs, "exec.janitor_max_age must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateEvents(e EventsConfig) error {
	if e.RedisAddr != "" && e.Channel == "" {
		return errors.New("events.channel must not be empty when events.redis_addr is set")
	}
	if e.RedisDB < 0 {
		return fmt.Errorf("events.redis_db must be >= 0, got %d", e.RedisDB)
	}
	return nil
}

// Load reads configuration from the optional file at path, applies COLLAB_*
// environment overrides, and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("websocket.read_buffer_size", 1024)
	v.SetDefault("websocket.write_buffer_size", 1024)
	v.SetDefault("websocket.max_message_bytes", 1<<20)
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.ping_interval", "0s")

	v.SetDefault("exec.backend", "local")
	v.SetDefault("exec.work_dir", "")
	v.SetDefault("exec.timeout", "0s")
	v.SetDefault("exec.toolchain.python", "python3")
	v.SetDefault("exec.toolchain.gcc", "gcc")
	v.SetDefault("exec.toolchain.gpp", "g++")
	v.SetDefault("exec.toolchain.node", "node")
	v.SetDefault("exec.docker.python_image", "python:3.11-slim")
	v.SetDefault("exec.docker.c_image", "gcc:13")
	v.SetDefault("exec.docker.cpp_image", "gcc:13")
	v.SetDefault("exec.docker.node_image", "node:20-slim")
	v.SetDefault("exec.docker.memory_bytes", 512*1024*1024)
	v.SetDefault("exec.docker.nano_cpus", 1_000_000_000)
	v.SetDefault("exec.janitor_schedule", "@every 10m")
	v.SetDefault("exec.janitor_max_age", "1h")

	v.SetDefault("events.redis_addr", "")
	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.channel", "collab:events")
}
