// Package config implements the six-tier layered configuration spec.md
// §6 names: built-in defaults, profile defaults, a user config document,
// environment variables, command-line flags, and runtime overrides, each
// applied in that order over the last.
//
// Grounded on two reference layering patterns merged: this file's own
// Manager (user-then-project two-tier merge via per-field zero-value
// fallthrough, here extended to six tiers) and wing.go's YAML document
// loading (gopkg.in/yaml.v3, LoadWingConfig/SaveWingConfig's
// read-or-zero-value-on-missing-file convention). The three named
// profiles (local, tunnel, server) generalize wing.go's ConnectionMode
// concept ("relay" vs "p2p" vs "direct") from a transport choice to a
// bind-scope/auth-requirement pair.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is one of the three named presets spec.md §6 recognizes.
type Profile string

const (
	ProfileLocal  Profile = "local"
	ProfileTunnel Profile = "tunnel"
	ProfileServer Profile = "server"
)

// ICEServer is a STUN/TURN server entry for the optional WebRTC P2P
// fallback path (internal/p2p), carried over from wing.go's ICEServer
// verbatim since it needs no domain changes.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// AuthConfig controls the Identity Gate's admission policy.
type AuthConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled"`
	SessionTTL        time.Duration `yaml:"session_ttl" json:"session_ttl"`
	AllowRegistration bool          `yaml:"allow_registration" json:"allow_registration"`
}

// ServerConfig controls bind address and per-instance resource limits.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	MaxBufferBytes  int           `yaml:"max_buffer_bytes" json:"max_buffer_bytes"`
	MaxHistoryBytes int           `yaml:"max_history_bytes" json:"max_history_bytes"`
	HangTimeout     time.Duration `yaml:"hang_timeout" json:"hang_timeout"`
}

// Config is the fully-resolved, six-tier-merged configuration.
type Config struct {
	Profile    Profile      `yaml:"profile" json:"profile"`
	Auth       AuthConfig   `yaml:"auth" json:"auth"`
	Server     ServerConfig `yaml:"server" json:"server"`
	ICEServers []ICEServer  `yaml:"ice_servers,omitempty" json:"ice_servers,omitempty"`
}

// overlay is a sparse, all-pointer mirror of Config: a tier sets only the
// fields it actually recognizes, leaving the rest nil so apply() can tell
// "not specified" from "explicitly zero."
type overlay struct {
	Profile           *Profile
	AuthEnabled       *bool
	AuthSessionTTL    *time.Duration
	AuthAllowRegister *bool
	ServerHost        *string
	ServerPort        *int
	ServerMaxBuffer   *int
	ServerMaxHistory  *int
	ServerHangTimeout *time.Duration
	ICEServers        []ICEServer
}

func (o overlay) apply(c *Config) {
	if o.Profile != nil {
		c.Profile = *o.Profile
	}
	if o.AuthEnabled != nil {
		c.Auth.Enabled = *o.AuthEnabled
	}
	if o.AuthSessionTTL != nil {
		c.Auth.SessionTTL = *o.AuthSessionTTL
	}
	if o.AuthAllowRegister != nil {
		c.Auth.AllowRegistration = *o.AuthAllowRegister
	}
	if o.ServerHost != nil {
		c.Server.Host = *o.ServerHost
	}
	if o.ServerPort != nil {
		c.Server.Port = *o.ServerPort
	}
	if o.ServerMaxBuffer != nil {
		c.Server.MaxBufferBytes = *o.ServerMaxBuffer
	}
	if o.ServerMaxHistory != nil {
		c.Server.MaxHistoryBytes = *o.ServerMaxHistory
	}
	if o.ServerHangTimeout != nil {
		c.Server.HangTimeout = *o.ServerHangTimeout
	}
	if o.ICEServers != nil {
		c.ICEServers = o.ICEServers
	}
}

// Defaults are the built-in tier (tier 1).
func Defaults() Config {
	return Config{
		Profile: ProfileLocal,
		Auth: AuthConfig{
			Enabled:           false,
			SessionTTL:        24 * time.Hour,
			AllowRegistration: true,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			MaxBufferBytes:  4 << 20,
			MaxHistoryBytes: 4 << 20,
			HangTimeout:     30 * time.Second,
		},
	}
}

// profileOverlay is the tier-2 preset spec.md §6's profile table names.
func profileOverlay(p Profile) overlay {
	boolPtr := func(b bool) *bool { return &b }
	strPtr := func(s string) *string { return &s }
	switch p {
	case ProfileLocal:
		return overlay{ServerHost: strPtr("127.0.0.1"), AuthEnabled: boolPtr(false)}
	case ProfileTunnel:
		return overlay{ServerHost: strPtr("127.0.0.1"), AuthEnabled: boolPtr(true)}
	case ProfileServer:
		return overlay{ServerHost: strPtr("0.0.0.0"), AuthEnabled: boolPtr(true)}
	default:
		return overlay{}
	}
}

// userDocOverlay is tier 3: a YAML document at dataDir/config.yaml. A
// missing file yields a zero overlay, not an error, mirroring
// LoadWingConfig's read-or-zero-value-on-missing-file convention.
func userDocOverlay(dataDir string) (overlay, error) {
	path := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return overlay{}, nil
		}
		return overlay{}, fmt.Errorf("read config document: %w", err)
	}

	var doc struct {
		Profile *Profile `yaml:"profile"`
		Auth    struct {
			Enabled           *bool          `yaml:"enabled"`
			SessionTTL        *time.Duration `yaml:"session_ttl"`
			AllowRegistration *bool          `yaml:"allow_registration"`
		} `yaml:"auth"`
		Server struct {
			Host            *string        `yaml:"host"`
			Port            *int           `yaml:"port"`
			MaxBufferBytes  *int           `yaml:"max_buffer_bytes"`
			MaxHistoryBytes *int           `yaml:"max_history_bytes"`
			HangTimeout     *time.Duration `yaml:"hang_timeout"`
		} `yaml:"server"`
		ICEServers []ICEServer `yaml:"ice_servers,omitempty"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return overlay{}, fmt.Errorf("parse config document: %w", err)
	}

	return overlay{
		Profile:           doc.Profile,
		AuthEnabled:       doc.Auth.Enabled,
		AuthSessionTTL:    doc.Auth.SessionTTL,
		AuthAllowRegister: doc.Auth.AllowRegistration,
		ServerHost:        doc.Server.Host,
		ServerPort:        doc.Server.Port,
		ServerMaxBuffer:   doc.Server.MaxBufferBytes,
		ServerMaxHistory:  doc.Server.MaxHistoryBytes,
		ServerHangTimeout: doc.Server.HangTimeout,
		ICEServers:        doc.ICEServers,
	}, nil
}

// envOverlay is tier 4: ROOST_-prefixed environment variables.
func envOverlay() overlay {
	var o overlay
	if v, ok := os.LookupEnv("ROOST_PROFILE"); ok {
		p := Profile(v)
		o.Profile = &p
	}
	if v, ok := os.LookupEnv("ROOST_AUTH_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			o.AuthEnabled = &b
		}
	}
	if v, ok := os.LookupEnv("ROOST_AUTH_SESSION_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			o.AuthSessionTTL = &d
		}
	}
	if v, ok := os.LookupEnv("ROOST_AUTH_ALLOW_REGISTRATION"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			o.AuthAllowRegister = &b
		}
	}
	if v, ok := os.LookupEnv("ROOST_SERVER_HOST"); ok {
		o.ServerHost = &v
	}
	if v, ok := os.LookupEnv("ROOST_SERVER_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.ServerPort = &n
		}
	}
	if v, ok := os.LookupEnv("ROOST_SERVER_MAX_BUFFER_BYTES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.ServerMaxBuffer = &n
		}
	}
	if v, ok := os.LookupEnv("ROOST_SERVER_MAX_HISTORY_BYTES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			o.ServerMaxHistory = &n
		}
	}
	if v, ok := os.LookupEnv("ROOST_SERVER_HANG_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			o.ServerHangTimeout = &d
		}
	}
	return o
}

// FlagOverrides carries command-line flag values (tier 5). A nil pointer
// means "flag not passed."
type FlagOverrides struct {
	Profile           *Profile
	AuthEnabled       *bool
	AuthSessionTTL    *time.Duration
	AuthAllowRegister *bool
	ServerHost        *string
	ServerPort        *int
	ServerMaxBuffer   *int
	ServerMaxHistory  *int
	ServerHangTimeout *time.Duration
}

func (f FlagOverrides) overlay() overlay {
	return overlay{
		Profile:           f.Profile,
		AuthEnabled:       f.AuthEnabled,
		AuthSessionTTL:    f.AuthSessionTTL,
		AuthAllowRegister: f.AuthAllowRegister,
		ServerHost:        f.ServerHost,
		ServerPort:        f.ServerPort,
		ServerMaxBuffer:   f.ServerMaxBuffer,
		ServerMaxHistory:  f.ServerMaxHistory,
		ServerHangTimeout: f.ServerHangTimeout,
	}
}

// Manager owns the merged configuration and the runtime-override tier
// (tier 6), the only tier mutable after Load.
type Manager struct {
	dataDir string
	flags   FlagOverrides
	merged  Config
	runtime overlay
}

// NewManager constructs a Manager. dataDir is where config.yaml lives;
// flags carries already-parsed command-line values.
func NewManager(dataDir string, flags FlagOverrides) *Manager {
	return &Manager{dataDir: dataDir, flags: flags}
}

// Load runs tiers 1-5 in order and caches the result, then reapplies any
// standing tier-6 runtime overrides. Call again (e.g. after a hot-reload
// notification) to re-resolve tiers 1-5 from disk/env/flags.
func (m *Manager) Load() error {
	cfg := Defaults()
	profileOverlay(cfg.Profile).apply(&cfg)

	userOv, err := userDocOverlay(m.dataDir)
	if err != nil {
		return err
	}
	if userOv.Profile != nil {
		profileOverlay(*userOv.Profile).apply(&cfg)
	}
	userOv.apply(&cfg)

	env := envOverlay()
	if env.Profile != nil {
		profileOverlay(*env.Profile).apply(&cfg)
	}
	env.apply(&cfg)

	flagOv := m.flags.overlay()
	if flagOv.Profile != nil {
		profileOverlay(*flagOv.Profile).apply(&cfg)
	}
	flagOv.apply(&cfg)

	m.runtime.apply(&cfg)

	m.merged = cfg
	return nil
}

// Get returns the last-resolved configuration.
func (m *Manager) Get() Config { return m.merged }

// SetRuntimeOverride applies an immediate tier-6 change (e.g. an admin
// toggling auth.enabled over the control socket) without touching disk,
// and folds it into the cached merged config right away.
func (m *Manager) SetRuntimeOverride(mutate func(*overlay)) {
	mutate(&m.runtime)
	m.runtime.apply(&m.merged)
}

// Convenience constructors for building FlagOverrides from a parsed CLI
// flag library's values (pflag/cobra hand back plain values, not pointers).
func BoolPtr(b bool) *bool                       { return &b }
func StringPtr(s string) *string                 { return &s }
func IntPtr(n int) *int                          { return &n }
func DurationPtr(d time.Duration) *time.Duration { return &d }

// ParseProfile validates a profile name from a flag or env var.
func ParseProfile(s string) (Profile, error) {
	switch Profile(strings.ToLower(s)) {
	case ProfileLocal:
		return ProfileLocal, nil
	case ProfileTunnel:
		return ProfileTunnel, nil
	case ProfileServer:
		return ProfileServer, nil
	default:
		return "", fmt.Errorf("unknown profile %q (want local, tunnel, or server)", s)
	}
}
