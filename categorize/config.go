// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package categorize

import (
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/registry"
)

const (
	ModeFacilitatorLive = "facilitator_live"
	ModeParallelBallot  = "parallel_ballot"

	DefaultAgreementThreshold = 0.5
	DefaultMinimumBallots     = 2
)

// Config is the typed shape of a categorization activity's config blob.
type Config struct {
	Mode                    string  `mapstructure:"mode"`
	AgreementThreshold      float64 `mapstructure:"agreement_threshold"`
	MinimumBallots          int     `mapstructure:"minimum_ballots"`
	AllowUnsortedSubmission bool    `mapstructure:"allow_unsorted_submission"`
	PrivateUntilReveal      bool    `mapstructure:"private_until_reveal"`
	ResultsRevealed         bool    `mapstructure:"results_revealed"`
	FoldComments            bool    `mapstructure:"fold_comments"`
}

func parseConfig(raw map[string]any) (Config, error) {
	var cfg Config
	if err := registry.DecodeConfig(raw, &cfg); err != nil {
		return Config{}, err
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeFacilitatorLive
	case ModeFacilitatorLive, ModeParallelBallot:
	default:
		return Config{}, models.Validationf("unknown categorization mode: " + cfg.Mode)
	}
	if cfg.AgreementThreshold <= 0 || cfg.AgreementThreshold > 1 {
		cfg.AgreementThreshold = DefaultAgreementThreshold
	}
	if cfg.MinimumBallots <= 0 {
		cfg.MinimumBallots = DefaultMinimumBallots
	}
	return cfg, nil
}
