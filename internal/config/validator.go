package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateIdentity(&cfg.Identity, result)
	validateRelay(&cfg.Relay, result)
	validateLobby(&cfg.Lobby, result)
	validateTurn(&cfg.Turn, result)
	validateProbe(&cfg.Probe, result)
	validateServices(cfg, result)

	return result
}

func validateIdentity(id *IdentityConfig, result *ValidationResult) {
	if strings.TrimSpace(id.Username) == "" {
		result.AddError("identity.username", "username is required")
	}
	if id.UserID <= 0 {
		result.AddError("identity.user_id", "user id must be positive")
	}
}

func validateRelay(r *RelayConfig, result *ValidationResult) {
	host, port, err := net.SplitHostPort(r.ListenAddr)
	if err != nil {
		result.AddError("relay.listen_addr", fmt.Sprintf("invalid address %q: %v", r.ListenAddr, err))
	} else {
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			result.AddWarning("relay.listen_addr", "the game relay should only listen on loopback")
		}
		if port != "0" {
			result.AddWarning("relay.listen_addr", "a fixed port fails when it is still held by a previous game")
		}
	}

	validatePort(r.GamePort, "relay.game_port", result)

	if r.QueueSize < 16 {
		result.AddError("relay.queue_size", "queue size must be at least 16")
	}
	if r.ReadTimeoutSec < 0 {
		result.AddError("relay.read_timeout_sec", "must not be negative")
	}
}

func validateLobby(l *LobbyConfig, result *ValidationResult) {
	if l.Offline {
		result.AddWarning("lobby.offline", "lobby link is offline, games cannot reach the server")
		return
	}
	if _, _, err := net.SplitHostPort(l.Address); err != nil {
		result.AddError("lobby.address", fmt.Sprintf("invalid address %q: %v", l.Address, err))
	}
	if l.KeepAliveSec < 5 {
		result.AddWarning("lobby.keepalive_sec", "keepalive less than 5s may cause excessive traffic")
	}
}

func validateTurn(t *TurnConfig, result *ValidationResult) {
	if !t.Enabled {
		result.AddWarning("turn.enabled", "without a TURN relay strict NATs end up blocked")
		return
	}
	if _, _, err := net.SplitHostPort(t.Server); err != nil {
		result.AddError("turn.server", fmt.Sprintf("invalid address %q: %v", t.Server, err))
	}
	if t.Username == "" || t.Password == "" {
		result.AddWarning("turn.username", "TURN credentials are empty, most relays reject anonymous allocations")
	}
	if t.LifetimeSec < 120 {
		result.AddError("turn.lifetime_sec", "lifetime must be at least 120s")
	}
}

func validateProbe(p *ProbeConfig, result *ValidationResult) {
	if p.PublicTimeoutSec < 1 || p.StunTimeoutSec < 1 || p.TurnTimeoutSec < 1 {
		result.AddError("probe", "stage timeouts must be at least 1s")
	}
	if p.BudgetSec < p.PublicTimeoutSec {
		result.AddWarning("probe.budget_sec", "budget is shorter than the first stage")
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.ListenAddr); err != nil {
			result.AddError("api.listen_addr", fmt.Sprintf("invalid address %q: %v", cfg.API.ListenAddr, err))
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS)")
		}
		if cfg.API.TLSEnabled && (cfg.API.CertFile == "" || cfg.API.KeyFile == "") {
			result.AddError("api.cert_file", "certificate and key paths are required for TLS")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.Storage.Enabled {
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			result.AddError("storage.path", "database path is required when storage is enabled")
		}
		if cfg.Storage.RetentionDays < 1 {
			result.AddError("storage.retention_days", "retention days must be at least 1")
		}
	}

	if cfg.Timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval_sec",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsUDPPortAvailable checks if a UDP port can be bound.
func IsUDPPortAvailable(port int) bool {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
