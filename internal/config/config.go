// Package config handles configuration loading, validation, and persistence
// for the game relay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 6112
	DefaultAPIAddr    = "127.0.0.1:5080"
	DefaultLobbyAddr  = "lobby.faforever.com:8002"
	DefaultTurnServer = "turn.faforever.com:3478"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Identity IdentityConfig `json:"identity"`
	Relay    RelayConfig    `json:"relay"`
	Lobby    LobbyConfig    `json:"lobby"`
	Turn     TurnConfig     `json:"turn"`
	Probe    ProbeConfig    `json:"probe"`
	PortMap  PortMapConfig  `json:"portmap"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging"`
	Timers   TimerConfig    `json:"timers"`
}

// IdentityConfig is the local player as known to the lobby server.
type IdentityConfig struct {
	Username string `json:"username"`
	UserID   int32  `json:"user_id"`
	Session  string `json:"session"`
}

// RelayConfig holds the local game relay settings.
type RelayConfig struct {
	ListenAddr        string `json:"listen_addr"`
	GamePort          int    `json:"game_port"`
	LobbyMode         int32  `json:"lobby_mode"`
	QueueSize         int    `json:"queue_size"`
	ReadTimeoutSec    int    `json:"read_timeout_sec"`
	ShimPacketsPerSec int    `json:"shim_packets_per_sec"`
}

// LobbyConfig holds the lobby server connection settings.
type LobbyConfig struct {
	Address           string `json:"address"`
	Offline           bool   `json:"offline"` // use an in-process link instead of connecting
	KeepAliveSec      int    `json:"keepalive_sec"`
	ReconnectDelaySec int    `json:"reconnect_delay_sec"`
	ConnectTimeoutSec int    `json:"connect_timeout_sec"`
}

// TurnConfig holds the TURN relay settings.
type TurnConfig struct {
	Enabled          bool   `json:"enabled"`
	Server           string `json:"server"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	LifetimeSec      int    `json:"lifetime_sec"`
	RequestTimeoutMS int    `json:"request_timeout_ms"`
	MaxAttempts      int    `json:"max_attempts"`
}

// ProbeConfig holds the connectivity probe timeouts.
type ProbeConfig struct {
	EchoServer       string `json:"echo_server"`
	PublicTimeoutSec int    `json:"public_timeout_sec"`
	StunTimeoutSec   int    `json:"stun_timeout_sec"`
	TurnTimeoutSec   int    `json:"turn_timeout_sec"`
	BudgetSec        int    `json:"budget_sec"`
	ConfirmTimeoutMS int    `json:"confirm_timeout_ms"`
}

// PortMapConfig holds the NAT-PMP settings.
type PortMapConfig struct {
	Enabled     bool   `json:"enabled"`
	Gateway     string `json:"gateway"`
	LifetimeSec int    `json:"lifetime_sec"`
	TimeoutMS   int    `json:"timeout_ms"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	ListenAddr     string   `json:"listen_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	CertFile       string   `json:"cert_file"` // generated self-signed when missing
	KeyFile        string   `json:"key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// StorageConfig holds the session history database settings.
type StorageConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	MaxSizeMB  int    `json:"max_size_mb"`
	Console    bool   `json:"console"`
}

// TimerConfig holds scheduler intervals.
type TimerConfig struct {
	HeartbeatInterval int `json:"heartbeat_interval_sec"`
	PruneInterval     int `json:"prune_interval_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			ListenAddr:        "127.0.0.1:0",
			GamePort:          DefaultGamePort,
			QueueSize:         256,
			ShimPacketsPerSec: 300,
		},
		Lobby: LobbyConfig{
			Address:           DefaultLobbyAddr,
			KeepAliveSec:      30,
			ReconnectDelaySec: 5,
			ConnectTimeoutSec: 10,
		},
		Turn: TurnConfig{
			Enabled:          true,
			Server:           DefaultTurnServer,
			LifetimeSec:      600,
			RequestTimeoutMS: 2000,
			MaxAttempts:      5,
		},
		Probe: ProbeConfig{
			PublicTimeoutSec: 5,
			StunTimeoutSec:   10,
			TurnTimeoutSec:   15,
			BudgetSec:        30,
			ConfirmTimeoutMS: 1000,
		},
		PortMap: PortMapConfig{
			Enabled:     true,
			LifetimeSec: 7200,
			TimeoutMS:   2000,
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   DefaultAPIAddr,
			RateLimitRPS: 20,
			CertFile:     filepath.Join(DefaultConfigDir, "api.crt"),
			KeyFile:      filepath.Join(DefaultConfigDir, "api.key"),
		},
		MQTT: MQTTConfig{
			Port:        1883,
			TopicPrefix: "gpgrelay",
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join("data", "gpgrelay.db"),
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			MaxSizeMB:  20,
			Console:    true,
		},
		Timers: TimerConfig{
			HeartbeatInterval: 60,
			PruneInterval:     3600,
		},
	}
}

// Load reads configuration from a JSON file in configDir, creating it with
// defaults when it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetIdentity returns a copy of the identity section.
func (c *Config) GetIdentity() IdentityConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Identity
}

// SetIdentity updates the identity section.
func (c *Config) SetIdentity(id IdentityConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Identity = id
}

// GetRelay returns a copy of the relay section.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// GetLobby returns a copy of the lobby section.
func (c *Config) GetLobby() LobbyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Lobby
}

// GetTurn returns a copy of the TURN section.
func (c *Config) GetTurn() TurnConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Turn
}

// GetProbe returns a copy of the probe section.
func (c *Config) GetProbe() ProbeConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Probe
}

// GetPortMap returns a copy of the NAT-PMP section.
func (c *Config) GetPortMap() PortMapConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.PortMap
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetStorage returns a copy of the storage section.
func (c *Config) GetStorage() StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// GetTimers returns a copy of the scheduler intervals.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if no player identity has been configured yet.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Identity.Username == "" || c.Identity.UserID == 0
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ReadTimeout is the idle limit on the game connection, zero for none.
func (r RelayConfig) ReadTimeout() time.Duration { return seconds(r.ReadTimeoutSec) }

// KeepAlive is the lobby ping interval.
func (l LobbyConfig) KeepAlive() time.Duration { return seconds(l.KeepAliveSec) }

// ReconnectDelay is the wait between lobby reconnect attempts.
func (l LobbyConfig) ReconnectDelay() time.Duration { return seconds(l.ReconnectDelaySec) }

// ConnectTimeout bounds a single lobby dial.
func (l LobbyConfig) ConnectTimeout() time.Duration { return seconds(l.ConnectTimeoutSec) }

// Lifetime is the requested allocation lifetime.
func (t TurnConfig) Lifetime() time.Duration { return seconds(t.LifetimeSec) }

// RequestTimeout bounds one TURN transmission.
func (t TurnConfig) RequestTimeout() time.Duration { return milliseconds(t.RequestTimeoutMS) }

// Timeouts returns the per-stage timeouts and the overall budget.
func (p ProbeConfig) Timeouts() (public, stun, turn, budget, confirm time.Duration) {
	return seconds(p.PublicTimeoutSec), seconds(p.StunTimeoutSec), seconds(p.TurnTimeoutSec),
		seconds(p.BudgetSec), milliseconds(p.ConfirmTimeoutMS)
}

// Lifetime is the requested mapping lifetime.
func (p PortMapConfig) Lifetime() time.Duration { return seconds(p.LifetimeSec) }

// Timeout bounds one gateway request.
func (p PortMapConfig) Timeout() time.Duration { return milliseconds(p.TimeoutMS) }

// Retention is how long session history is kept.
func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}
