// Package config loads agent settings from an optional YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	OwnerID             string
	ControlPlaneBaseURL string
	APIToken            string
	WorkerID            string
	WorkerAuthSecret    string
	WorkerSecret        string
	MaxTasksPerPoll     int
	HeartbeatInterval   time.Duration
	PollInterval        time.Duration
}

type fileConfig struct {
	OwnerID          string `yaml:"owner_id"`
	ControlPlaneURL  string `yaml:"control_plane_url"`
	APIToken         string `yaml:"api_token"`
	WorkerID         string `yaml:"worker_id"`
	WorkerAuthSecret string `yaml:"worker_auth_secret"`
	WorkerSecret     string `yaml:"worker_secret"`
	MaxTasksPerPoll  int    `yaml:"max_tasks_per_poll"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`
	PollMillis       int    `yaml:"poll_millis"`
}

// Load reads DISPATCH_AGENT_CONFIG if set, then applies environment
// overrides. Environment always wins.
func Load() (Config, error) {
	var fc fileConfig
	if path := os.Getenv("DISPATCH_AGENT_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read agent config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return Config{}, fmt.Errorf("parse agent config %s: %w", path, err)
		}
	}

	cfg := Config{
		OwnerID:             getenv("DISPATCH_OWNER_ID", fallback(fc.OwnerID, "agent-local")),
		ControlPlaneBaseURL: getenv("DISPATCH_CONTROL_PLANE_URL", fallback(fc.ControlPlaneURL, "http://localhost:8080")),
		APIToken:            getenv("DISPATCH_API_TOKEN", fc.APIToken),
		WorkerID:            getenv("DISPATCH_WORKER_ID", fc.WorkerID),
		WorkerAuthSecret:    getenv("DISPATCH_WORKER_AUTH_SECRET", fc.WorkerAuthSecret),
		WorkerSecret:        getenv("DISPATCH_WORKER_SECRET", fc.WorkerSecret),
		MaxTasksPerPoll:     getenvInt("DISPATCH_MAX_TASKS_PER_POLL", fallbackInt(fc.MaxTasksPerPoll, 5)),
		HeartbeatInterval:   time.Duration(getenvInt("DISPATCH_HEARTBEAT_SECONDS", fallbackInt(fc.HeartbeatSeconds, 30))) * time.Second,
		PollInterval:        time.Duration(getenvInt("DISPATCH_POLL_MILLIS", fallbackInt(fc.PollMillis, 1500))) * time.Millisecond,
	}
	if cfg.WorkerSecret == "" {
		return Config{}, fmt.Errorf("worker secret is required (DISPATCH_WORKER_SECRET or worker_secret in config)")
	}
	return cfg, nil
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func fallbackInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
