package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all pagerun server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	MaxWorkers  int    `json:"max_workers"`  // global concurrent workflow runs
	HistoryKeep int    `json:"history_keep"` // batches kept after startup prune (0 = keep all)
	CronEnabled bool   `json:"cron_enabled"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(pagerunDir(), "pagerun.db"),
		LogLevel:    "info",
		MaxWorkers:  10,
		CronEnabled: true,
	}
}

func pagerunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pagerun"
	}
	return filepath.Join(home, ".pagerun")
}

func settingsPath() string {
	return filepath.Join(pagerunDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PAGERUN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PAGERUN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PAGERUN_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("PAGERUN_HISTORY_KEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistoryKeep = n
		}
	}
	if v := os.Getenv("PAGERUN_CRON_ENABLED"); v != "" {
		cfg.CronEnabled = v == "true" || v == "1"
	}

	return cfg
}
