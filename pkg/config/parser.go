package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParseConfig reads and parses a configuration file
func ParseConfig(configFile string) (*Config, error) {
	file, err := os.Open(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var config Config
	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Load validates configFile against the schema, parses it, and applies
// environment overrides (including a .env file in the working directory).
// An empty configFile builds the config from the environment alone.
func Load(configFile string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if configFile != "" {
		if err := Validate(configFile); err != nil {
			return nil, err
		}
		var err error
		if cfg, err = ParseConfig(configFile); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured: set endpoint in the config file, S3_ENDPOINT or MINIO_HOST_NAME")
	}
	return cfg, nil
}
