// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates relay configuration: a JSON file
// with schema-validated defaults, overridable by environment variables,
// following the same file+env+jsonschema shape as the teacher's
// internal/config.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// MaxMutationSize is hard-coded per specification, not configurable: it
// constrains clients so that sync always makes progress against the
// default ranges size.
const MaxMutationSize = 640 * 1024

// Config is the relay's runtime configuration.
type Config struct {
	Addr                         string  `json:"addr"`
	DBDriver                     string  `json:"db_driver"`
	DB                           string  `json:"db"`
	ProtocolVersion              uint64  `json:"protocol_version"`
	ProtocolMessageMaxSize       int     `json:"protocol_message_max_size"`
	ProtocolMessageRangesMaxSize int     `json:"protocol_message_ranges_max_size"`
	MaxDriftMs                   int64   `json:"max_drift_ms"`
	SkiplistProbability          float64 `json:"skiplist_probability"`
	SkiplistMaxLevel             int     `json:"skiplist_max_level"`
	DisposalDelayMs              int     `json:"disposal_delay_ms"`
	NatsURL                      string  `json:"nats_url"`
	LogLevel                     string  `json:"log_level"`
}

// Default holds the specification's default values, used whenever a
// config file is absent or a field is omitted from it.
var Default = Config{
	Addr:                         ":8080",
	DBDriver:                     "sqlite3",
	DB:                           "./var/evolu.db",
	ProtocolVersion:              1,
	ProtocolMessageMaxSize:       1 << 20,
	ProtocolMessageRangesMaxSize: 30 * 1024,
	MaxDriftMs:                   5 * 60 * 1000,
	SkiplistProbability:          0.25,
	SkiplistMaxLevel:             10,
	DisposalDelayMs:              100,
	LogLevel:                     "info",
}

// Init loads configuration from path (if it exists), validates it
// against the JSON schema, and applies EVOLU_*-prefixed environment
// overrides on top. A missing path is not an error: Default alone is
// returned, then overridden by env vars.
func Init(path string) (Config, error) {
	cfg := Default

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %q: %w", path, err)
			}
		} else {
			if err := Validate(raw); err != nil {
				return cfg, err
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("config: decode %q: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := checkBounds(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("EVOLU_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := os.LookupEnv("EVOLU_DB"); ok {
		cfg.DB = v
	}
	if v, ok := os.LookupEnv("EVOLU_DB_DRIVER"); ok {
		cfg.DBDriver = v
	}
	if v, ok := os.LookupEnv("EVOLU_NATS_URL"); ok {
		cfg.NatsURL = v
	}
	if v, ok := os.LookupEnv("EVOLU_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("EVOLU_PROTOCOL_MESSAGE_MAX_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: EVOLU_PROTOCOL_MESSAGE_MAX_SIZE: %w", err)
		}
		cfg.ProtocolMessageMaxSize = n
	}
	if v, ok := os.LookupEnv("EVOLU_PROTOCOL_MESSAGE_RANGES_MAX_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: EVOLU_PROTOCOL_MESSAGE_RANGES_MAX_SIZE: %w", err)
		}
		cfg.ProtocolMessageRangesMaxSize = n
	}
	if v, ok := os.LookupEnv("EVOLU_MAX_DRIFT_MS"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: EVOLU_MAX_DRIFT_MS: %w", err)
		}
		cfg.MaxDriftMs = n
	}
	if v, ok := os.LookupEnv("EVOLU_DISPOSAL_DELAY_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: EVOLU_DISPOSAL_DELAY_MS: %w", err)
		}
		cfg.DisposalDelayMs = n
	}
	return nil
}

// checkBounds runs after env overrides, which happen after schema
// validation. It re-checks only the two message-size bounds and
// skiplist_probability; other overridden fields are not range-checked.
func checkBounds(cfg Config) error {
	const mb = 1 << 20
	const kb = 1024
	if cfg.ProtocolMessageMaxSize < mb || cfg.ProtocolMessageMaxSize > 100*mb {
		return fmt.Errorf("config: protocol_message_max_size %d out of range [1MB, 100MB]", cfg.ProtocolMessageMaxSize)
	}
	if cfg.ProtocolMessageRangesMaxSize < 3*kb || cfg.ProtocolMessageRangesMaxSize > 100*kb {
		return fmt.Errorf("config: protocol_message_ranges_max_size %d out of range [3KB, 100KB]", cfg.ProtocolMessageRangesMaxSize)
	}
	if cfg.SkiplistProbability <= 0 || cfg.SkiplistProbability >= 1 {
		return fmt.Errorf("config: skiplist_probability %v must be in (0, 1)", cfg.SkiplistProbability)
	}
	return nil
}
