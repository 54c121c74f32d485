package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const DefaultBaseURL = "https://www.19pine.ai"

type Config struct {
	BaseURL  string `json:"base_url"`
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Stream   struct {
		DebounceMs        int `json:"debounce_ms"`
		IdleSealMs        int `json:"idle_seal_ms"`
		FlushCeilingMs    int `json:"flush_ceiling_ms"`
		SessionBufferSize int `json:"session_buffer_size"`
		MaxConcurrent     int `json:"max_concurrent"`
	} `json:"stream"`
	Transport struct {
		ReadyTimeoutSec   int `json:"ready_timeout_sec"`
		MaxReconnects     int `json:"max_reconnects"`
		ReconnectBaseMs   int `json:"reconnect_base_ms"`
		ReconnectMaxMs    int `json:"reconnect_max_ms"`
		PingIntervalSec   int `json:"ping_interval_sec"`
		WriteTimeoutSec   int `json:"write_timeout_sec"`
		RequestTimeoutSec int `json:"request_timeout_sec"`
	} `json:"transport"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		BaseURL:  DefaultBaseURL,
		DataDir:  filepath.Join(os.Getenv("HOME"), ".pineai"),
		LogLevel: "info",
	}
	cfg.Stream.DebounceMs = 3000
	cfg.Stream.IdleSealMs = 0
	cfg.Stream.FlushCeilingMs = 120000
	cfg.Stream.SessionBufferSize = 256
	cfg.Stream.MaxConcurrent = 4
	cfg.Transport.ReadyTimeoutSec = 15
	cfg.Transport.MaxReconnects = 5
	cfg.Transport.ReconnectBaseMs = 1000
	cfg.Transport.ReconnectMaxMs = 30000
	cfg.Transport.PingIntervalSec = 30
	cfg.Transport.WriteTimeoutSec = 10
	cfg.Transport.RequestTimeoutSec = 10

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if base := os.Getenv("PINE_BASE_URL"); base != "" {
		cfg.BaseURL = base
	}
	if dir := os.Getenv("PINE_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("PINE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
