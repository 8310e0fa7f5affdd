// Package config centralizes how the staging engine reads environment
// variables and exposes them as typed values.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ait-lab/filestaging/internal/model"
)

// Config is the runtime configuration for the staging engine and CLI.
type Config struct {
	DataDir      string
	BackendURL   string
	PushURL      string
	AuthToken    string
	MaxFileSize  int64
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	AdminName    string
	AdminEmail   string
	AdminID      string
}

const (
	defaultBackendURL   = "http://localhost:8000/api/v1"
	defaultPushURL      = "ws://localhost:8000/api/v1/admin/file/ws/processing"
	defaultMaxFileSize  = 25 << 20 // 25 MiB
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
)

// Load reads configuration from FILESTAGING_* environment variables,
// falling back to defaults.
func Load() (*Config, error) {
	dataDir := readEnv("FILESTAGING_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dataDir = filepath.Join(home, ".filestaging")
	}
	cfg := &Config{
		DataDir:      dataDir,
		BackendURL:   readEnv("FILESTAGING_BACKEND_URL", defaultBackendURL),
		PushURL:      readEnv("FILESTAGING_PUSH_URL", defaultPushURL),
		AuthToken:    readEnv("FILESTAGING_TOKEN", ""),
		MaxFileSize:  parseInt64("FILESTAGING_MAX_FILE_BYTES", defaultMaxFileSize),
		ReconnectMin: parseDuration("FILESTAGING_RECONNECT_MIN", defaultReconnectMin),
		ReconnectMax: parseDuration("FILESTAGING_RECONNECT_MAX", defaultReconnectMax),
		AdminName:    readEnv("FILESTAGING_ADMIN_NAME", "admin"),
		AdminEmail:   readEnv("FILESTAGING_ADMIN_EMAIL", ""),
		AdminID:      readEnv("FILESTAGING_ADMIN_ID", "local"),
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return cfg, nil
}

// RecordStorePath is where the durable record store lives.
func (c *Config) RecordStorePath() string {
	return filepath.Join(c.DataDir, "staging.db")
}

// MetadataPath is the well-known location of the metadata snapshot.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.DataDir, "pending_files.json")
}

// PushChannelURL appends the identity-derived channel key to the push URL.
func (c *Config) PushChannelURL() string {
	u, err := url.Parse(c.PushURL)
	if err != nil {
		return c.PushURL
	}
	q := u.Query()
	q.Set("admin_id", c.AdminID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Identity is the uploader snapshot stamped onto newly staged files.
func (c *Config) Identity() model.UploaderIdentity {
	return model.UploaderIdentity{Name: c.AdminName, Email: c.AdminEmail, UserID: c.AdminID}
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
