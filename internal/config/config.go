// Package config resolves the settings of a meshroom participant from a YAML
// file, the environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/meshroom/internal/mesh"
)

// Role is the part a process plays in a room.
type Role string

const (
	RoleHost   Role = "host"
	RoleGuest  Role = "guest"
	RoleSignal Role = "signal"
)

// Environment variables consulted by Load.
const (
	EnvConfig    = "MESHROOM_CONFIG"
	EnvSignalURL = "MESHROOM_SIGNAL_URL"
	EnvName      = "MESHROOM_NAME"
)

// Defaults.
const (
	DefaultSignalURL     = "http://localhost:8080"
	DefaultListen        = ":8080"
	DefaultStatsInterval = time.Minute
)

// Config stores every parameter of one run.
type Config struct {
	Role      Role   `yaml:"-"`
	Name      string `yaml:"name"`
	RoomCode  string `yaml:"-"`
	SignalURL string `yaml:"signalURL"`
	// Listen is the signaling server's bind address.
	Listen string `yaml:"listen"`

	// Channels must be identical, in the same order, on every participant.
	Channels []mesh.ChannelConfig `yaml:"channels"`
	// ICEServers: absent means the default STUN servers, an explicit empty
	// list means host candidates only.
	ICEServers []string `yaml:"iceServers"`
	// IncludeLoopback gathers loopback candidates, for peers on one machine.
	IncludeLoopback bool `yaml:"includeLoopback"`

	JoinTimeout   time.Duration `yaml:"joinTimeout"`
	QueryTimeout  time.Duration `yaml:"queryTimeout"`
	StatsInterval time.Duration `yaml:"statsInterval"` // zero disables the reporter
	RoomTTL       time.Duration `yaml:"roomTTL"`
}

// Options carries values given on the command line. Empty fields fall back
// to the environment, then the file, then the defaults.
type Options struct {
	Role      Role
	Path      string
	Name      string
	RoomCode  string
	SignalURL string
	Listen    string
}

// DefaultChannels is the channel set used when the file names none.
func DefaultChannels() []mesh.ChannelConfig {
	unordered := false
	var noRetransmit uint16
	return []mesh.ChannelConfig{
		{Label: "chat"},
		{Label: "state", Ordered: &unordered, MaxRetransmits: &noRetransmit},
		{Label: "control", HostOnly: true},
	}
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		SignalURL:     DefaultSignalURL,
		Listen:        DefaultListen,
		Channels:      DefaultChannels(),
		JoinTimeout:   mesh.DefaultJoinTimeout,
		QueryTimeout:  mesh.DefaultQueryTimeout,
		StatsInterval: DefaultStatsInterval,
	}
}

// Load reads configuration with the following priority:
//  1. CLI flags (passed via Options), highest priority
//  2. Environment variables
//  3. The YAML file named by Options.Path or MESHROOM_CONFIG
//  4. Hardcoded defaults, lowest priority
func Load(opts Options) (*Config, error) {
	cfg := Default()

	path := firstNonEmpty(opts.Path, os.Getenv(EnvConfig))
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Role = opts.Role
	cfg.Name = firstNonEmpty(opts.Name, os.Getenv(EnvName), cfg.Name)
	cfg.SignalURL = firstNonEmpty(opts.SignalURL, os.Getenv(EnvSignalURL), cfg.SignalURL)
	cfg.Listen = firstNonEmpty(opts.Listen, cfg.Listen)
	cfg.RoomCode = opts.RoomCode

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile overlays the YAML file at path on cfg. Keys absent from the file
// keep their current values.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields the chosen role needs.
func (c *Config) Validate() error {
	if err := mesh.ValidateChannels(c.Channels); err != nil {
		return err
	}

	switch c.Role {
	case RoleHost, RoleGuest:
		if c.Name == "" {
			return errors.New("config: name is required")
		}
		if c.SignalURL == "" {
			return errors.New("config: signaling server URL is required")
		}
	case RoleSignal:
		if c.Listen == "" {
			return errors.New("config: listen address is required")
		}
	case "":
	default:
		return fmt.Errorf("config: unknown role %q", c.Role)
	}

	if c.Role == RoleGuest && c.RoomCode == "" {
		return errors.New("config: room code is required to join")
	}
	if c.JoinTimeout < 0 || c.QueryTimeout < 0 || c.StatsInterval < 0 || c.RoomTTL < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
