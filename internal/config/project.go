package config

import (
	"github.com/spf13/viper"
)

// Defaults holds project-wide scheduler defaults that may be overridden by
// a `strata.config.yaml` (or STRATA_* environment variables) at the project
// root, layered the way the teacher layers Viper config on top of
// per-workspace turbo.json: these are process-wide knobs, not per-target
// configuration, so they don't belong in TargetFile.
type Defaults struct {
	Concurrency     int `mapstructure:"concurrency"`
	DebounceMs      int `mapstructure:"debounce_ms"`
	KillGraceMs     int `mapstructure:"kill_grace_ms"`
	WatchDebounceMs int `mapstructure:"watch_debounce_ms"`
}

// DefaultDefaults are applied when no config file/env var overrides them,
// matching the values named throughout spec.md (4.7, 4.5, 4.9).
func DefaultDefaults() Defaults {
	return Defaults{
		Concurrency:     4,
		DebounceMs:      1000,
		KillGraceMs:     500,
		WatchDebounceMs: 1000,
	}
}

// LoadDefaults reads `strata.config.{yaml,json,toml}` from projectRoot if
// present, and STRATA_-prefixed environment variables, overlaying them onto
// DefaultDefaults(). A missing config file is not an error.
func LoadDefaults(projectRoot string) (Defaults, error) {
	d := DefaultDefaults()

	v := viper.New()
	v.SetConfigName("strata.config")
	v.AddConfigPath(projectRoot)
	v.SetEnvPrefix("STRATA")
	v.AutomaticEnv()

	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("debounce_ms", d.DebounceMs)
	v.SetDefault("kill_grace_ms", d.KillGraceMs)
	v.SetDefault("watch_debounce_ms", d.WatchDebounceMs)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return d, err
		}
	}

	if err := v.Unmarshal(&d); err != nil {
		return d, err
	}
	return d, nil
}
