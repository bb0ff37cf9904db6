package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything the daemon needs wired at startup. Values come from
// an optional YAML file, with INTRACKT_* environment variables taking
// precedence.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BackendURL string `yaml:"backend_url"`

	AuthTokenURL     string `yaml:"auth_token_url"`
	AuthClientID     string `yaml:"auth_client_id"`
	AuthClientSecret string `yaml:"auth_client_secret"`
	AuthRefreshToken string `yaml:"auth_refresh_token"`

	NATSURL string `yaml:"nats_url"`
	DataDir string `yaml:"data_dir"`

	SyncInterval     time.Duration `yaml:"sync_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	UndoWindow       time.Duration `yaml:"undo_window"`
	ServerMoveWindow time.Duration `yaml:"server_move_window"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		BackendURL:       "http://localhost:3000/api",
		AuthTokenURL:     "http://localhost:3000/api/auth/token",
		DataDir:          "data",
		SyncInterval:     15 * time.Minute,
		RequestTimeout:   30 * time.Second,
		UndoWindow:       5 * time.Second,
		ServerMoveWindow: 10 * time.Second,
	}
}

// Load reads the config file at path (if it exists) over the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "INTRACKT_LISTEN_ADDR")
	setString(&cfg.BackendURL, "INTRACKT_BACKEND_URL")
	setString(&cfg.AuthTokenURL, "INTRACKT_AUTH_TOKEN_URL")
	setString(&cfg.AuthClientID, "INTRACKT_AUTH_CLIENT_ID")
	setString(&cfg.AuthClientSecret, "INTRACKT_AUTH_CLIENT_SECRET")
	setString(&cfg.AuthRefreshToken, "INTRACKT_AUTH_REFRESH_TOKEN")
	setString(&cfg.NATSURL, "INTRACKT_NATS_URL")
	setString(&cfg.DataDir, "INTRACKT_DATA_DIR")
	setDuration(&cfg.SyncInterval, "INTRACKT_SYNC_INTERVAL")
	setDuration(&cfg.RequestTimeout, "INTRACKT_REQUEST_TIMEOUT")
	setDuration(&cfg.UndoWindow, "INTRACKT_UNDO_WINDOW")
	setDuration(&cfg.ServerMoveWindow, "INTRACKT_SERVER_MOVE_WINDOW")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
