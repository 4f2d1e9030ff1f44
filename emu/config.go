package emu

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the emulator options. Zero values are replaced by the
// defaults in DefaultConfig when loaded from a file.
type Config struct {
	MaxInstructions uint64   `json:"max_instructions"`
	UopActive       bool     `json:"uop_active"`
	StdinFile       string   `json:"stdin_file"`
	StdoutFile      string   `json:"stdout_file"`
	Cwd             string   `json:"cwd"`
	Env             []string `json:"env"`
	LogLevel        string   `json:"log_level"`
	LogModules      string   `json:"log_modules"`
	LogFile         string   `json:"log_file"`
	CheckpointDir   string   `json:"checkpoint_dir"`
	UopStreamAddr   string   `json:"uop_stream_addr"`
	ChartFile       string   `json:"chart_file"`
	OTLPEndpoint    string   `json:"otlp_endpoint"`
	EventLogFile    string   `json:"event_log_file"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
	}
}

// LoadConfig reads a JSON config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
