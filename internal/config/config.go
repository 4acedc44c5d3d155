// Package config loads runtime configuration for agentdeck.
//
// Sources, in priority order: built-in defaults, a JSON/JSONC config
// file, then AGENTDECK_* environment variables.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

// Defaults for the runtime.
const (
	DefaultManagementURL = "http://localhost:8000"
	DefaultUserID        = "forusone"
	DefaultAgentPortBase = 8001

	// DefaultReconnectInterval is the fixed delay between connection
	// attempts to the management server.
	DefaultReconnectInterval = 3 * time.Second
	// DefaultTurnTimeout bounds a single turn round-trip.
	DefaultTurnTimeout = 5 * time.Minute
	// DefaultLogBufferSize bounds the realtime log ring buffer.
	DefaultLogBufferSize = 200
)

// Config holds the runtime configuration.
type Config struct {
	// ManagementURL is the base URL of the management server, serving
	// the roster fetch, the realtime channel, and the native turn API.
	ManagementURL string `json:"managementUrl"`
	// APIURL is the base URL for native turn endpoints. Defaults to
	// ManagementURL when empty.
	APIURL string `json:"apiUrl"`
	// UserID identifies the dashboard user to remote-protocol agents.
	UserID string `json:"userId"`
	// AgentPortBase is the first port assigned to started agents.
	AgentPortBase int `json:"agentPortBase"`

	ReconnectInterval time.Duration `json:"-"`
	TurnTimeout       time.Duration `json:"-"`
	LogBufferSize     int           `json:"logBufferSize"`

	LogLevel string `json:"logLevel"`
}

// fileConfig mirrors Config for file decoding, with durations in
// milliseconds as the original dashboard expressed them.
type fileConfig struct {
	ManagementURL  *string `json:"managementUrl"`
	APIURL         *string `json:"apiUrl"`
	UserID         *string `json:"userId"`
	AgentPortBase  *int    `json:"agentPortBase"`
	ReconnectMs    *int    `json:"reconnectMs"`
	TurnTimeoutMs  *int    `json:"turnTimeoutMs"`
	LogBufferSize  *int    `json:"logBufferSize"`
	LogLevel       *string `json:"logLevel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ManagementURL:     DefaultManagementURL,
		UserID:            DefaultUserID,
		AgentPortBase:     DefaultAgentPortBase,
		ReconnectInterval: DefaultReconnectInterval,
		TurnTimeout:       DefaultTurnTimeout,
		LogBufferSize:     DefaultLogBufferSize,
		LogLevel:          "INFO",
	}
}

// Load resolves the configuration. When path is empty the default file
// locations are probed: ./agentdeck.json(c), then the user config dir.
func Load(path string) (*Config, error) {
	cfg := Default()

	loaded := false
	loadOnce := func(p string) {
		if loaded {
			return
		}
		if loadFile(p, cfg) == nil {
			loaded = true
		}
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		loadOnce("agentdeck.json")
		loadOnce("agentdeck.jsonc")
		if dir, err := os.UserConfigDir(); err == nil {
			loadOnce(filepath.Join(dir, "agentdeck", "agentdeck.json"))
			loadOnce(filepath.Join(dir, "agentdeck", "agentdeck.jsonc"))
		}
	}

	applyEnvOverrides(cfg)

	if cfg.APIURL == "" {
		cfg.APIURL = cfg.ManagementURL
	}
	return cfg, nil
}

// loadFile merges one config file into cfg. JSONC comments are allowed.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return err
	}

	if fc.ManagementURL != nil {
		cfg.ManagementURL = *fc.ManagementURL
	}
	if fc.APIURL != nil {
		cfg.APIURL = *fc.APIURL
	}
	if fc.UserID != nil {
		cfg.UserID = *fc.UserID
	}
	if fc.AgentPortBase != nil {
		cfg.AgentPortBase = *fc.AgentPortBase
	}
	if fc.ReconnectMs != nil {
		cfg.ReconnectInterval = time.Duration(*fc.ReconnectMs) * time.Millisecond
	}
	if fc.TurnTimeoutMs != nil {
		cfg.TurnTimeout = time.Duration(*fc.TurnTimeoutMs) * time.Millisecond
	}
	if fc.LogBufferSize != nil {
		cfg.LogBufferSize = *fc.LogBufferSize
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	return nil
}

// applyEnvOverrides applies AGENTDECK_* environment variables, the
// highest-priority source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTDECK_MANAGEMENT_URL"); v != "" {
		cfg.ManagementURL = v
	}
	if v := os.Getenv("AGENTDECK_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("AGENTDECK_USER"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("AGENTDECK_PORT_BASE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AgentPortBase = n
		}
	}
	if v := os.Getenv("AGENTDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
