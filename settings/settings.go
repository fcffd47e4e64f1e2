// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package settings loads client settings from a configuration file and the
// environment.
//
// Settings are read from an optional file in any format understood by viper
// (TOML, YAML, JSON), and may be overridden by environment variables named
// with the prefix FEDPRO_ and the key in upper case, with "-" and "." replaced
// by "_". For example, backoff.initial-delay is FEDPRO_BACKOFF_INITIAL_DELAY.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/creachadair/fedpro"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variables that override settings.
const EnvPrefix = "fedpro"

// Settings are the settings for a client.
type Settings struct {
	Address  string // the address of the runtime infrastructure
	LogLevel string // the minimum level of log messages
	Config   fedpro.Config
}

// Load reads settings from the file at path, if path != "", with overrides
// from the environment. Settings not otherwise specified have the values
// given by [fedpro.DefaultConfig]. The resulting config is validated.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv() // read in environment variables that match

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	s := &Settings{
		Address:  v.GetString("address"),
		LogLevel: v.GetString("log-level"),
		Config: fedpro.Config{
			MaxRetryAttempts:  v.GetInt("max-retry-attempts"),
			ConnectTimeout:    v.GetDuration("connect-timeout"),
			HandshakeTimeout:  v.GetDuration("handshake-timeout"),
			HeartbeatInterval: v.GetDuration("heartbeat-interval"),
			HeartbeatTimeout:  v.GetDuration("heartbeat-timeout"),
			CloseTimeout:      v.GetDuration("close-timeout"),
			Resume:            v.GetBool("resume"),
			MaxBacklog:        v.GetInt("max-backlog"),
			ProtocolVersion:   v.GetUint32("protocol-version"),
			Backoff: fedpro.BackoffConfig{
				InitialDelay: v.GetDuration("backoff.initial-delay"),
				MaxDelay:     v.GetDuration("backoff.max-delay"),
				Multiplier:   v.GetFloat64("backoff.multiplier"),
				Jitter:       v.GetFloat64("backoff.jitter"),
			},
		},
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	def := fedpro.DefaultConfig()
	v.SetDefault("address", "localhost:15164")
	v.SetDefault("log-level", "info")
	v.SetDefault("max-retry-attempts", def.MaxRetryAttempts)
	v.SetDefault("connect-timeout", def.ConnectTimeout)
	v.SetDefault("handshake-timeout", def.HandshakeTimeout)
	v.SetDefault("heartbeat-interval", def.HeartbeatInterval)
	v.SetDefault("heartbeat-timeout", def.HeartbeatTimeout)
	v.SetDefault("close-timeout", def.CloseTimeout)
	v.SetDefault("resume", def.Resume)
	v.SetDefault("max-backlog", def.MaxBacklog)
	v.SetDefault("protocol-version", def.ProtocolVersion)
	v.SetDefault("backoff.initial-delay", def.Backoff.InitialDelay)
	v.SetDefault("backoff.max-delay", def.Backoff.MaxDelay)
	v.SetDefault("backoff.multiplier", def.Backoff.Multiplier)
	v.SetDefault("backoff.jitter", def.Backoff.Jitter)
}

// LoadEnvFiles loads environment variables from the specified dotenv files,
// skipping any that do not exist. Variables already set in the environment
// are not overridden. If no files are given, .env and .env.local are loaded.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %q: %w", f, err)
		}
	}
	return nil
}
