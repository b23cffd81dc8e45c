// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package dotvote

import (
	"github.com/danielhkuo/facilitator/registry"
)

// Config is the typed shape of a dot-vote activity's config blob. The
// persisted blob stays an open map; unknown keys pass through untouched.
type Config struct {
	Options                []any `mapstructure:"options"`
	MaxVotes               int   `mapstructure:"max_votes"`
	MaxVotesPerOption      int   `mapstructure:"max_votes_per_option"`
	AllowRetract           bool  `mapstructure:"allow_retract"`
	ShowResultsImmediately bool  `mapstructure:"show_results_immediately"`
}

func parseConfig(raw map[string]any) (Config, error) {
	var cfg Config
	if err := registry.DecodeConfig(raw, &cfg); err != nil {
		return Config{}, err
	}
	// Retract defaults on; only an explicit false disables it.
	if _, present := raw["allow_retract"]; !present {
		cfg.AllowRetract = true
	}
	return cfg, nil
}

// maxVotes resolves the per-actor budget: explicit positive config, else
// ceil(optionCount/4), never below 1.
func maxVotes(cfg Config, optionCount int) int {
	if cfg.MaxVotes > 0 {
		return cfg.MaxVotes
	}
	n := (optionCount + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// maxVotesPerOption resolves the per-option cap. Zero means unlimited
// (bounded only by the total budget); a set value clamps into
// [1, min(9, maxVotes)].
func maxVotesPerOption(cfg Config, totalBudget int) int {
	if cfg.MaxVotesPerOption <= 0 {
		return 0
	}
	limit := 9
	if totalBudget < limit {
		limit = totalBudget
	}
	v := cfg.MaxVotesPerOption
	if v < 1 {
		v = 1
	}
	if v > limit {
		v = limit
	}
	return v
}
