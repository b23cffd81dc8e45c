// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package rankorder

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/options"
	"github.com/danielhkuo/facilitator/registry"
)

const ToolType = "rankorder"

// Tool implements the activity contract for rank ordering.
type Tool struct{}

func NewTool() *Tool { return &Tool{} }

func (t *Tool) Manifest() models.ToolManifest {
	return models.ToolManifest{
		ToolType:        ToolType,
		Label:           "Rank Order",
		Description:     "Participants rank every option; Borda scores pick the group order.",
		AutosaveSeconds: 30,
		DefaultConfig: map[string]any{
			"show_results_immediately": false,
		},
		ReliabilityPolicy: map[string]models.RetryPolicy{
			"submit": models.RetryPolicy{}.Normalize(),
		},
	}
}

// Open seeds the option list from the upstream input bundle, keeping
// any options already present.
func (t *Tool) Open(_ context.Context, ac *registry.ActivityContext, input *models.Bundle) error {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return err
	}
	if len(cfg.Options) > 0 || input == nil || len(input.Items) == 0 {
		return nil
	}

	records := make([]any, 0, len(input.Items))
	for _, item := range input.Items {
		if item.Content == "" {
			continue
		}
		records = append(records, options.SeedRecord(item, input.ActivityID))
	}

	updated := ac.Activity.Config
	if updated == nil {
		updated = map[string]any{}
	}
	updated["options"] = records
	return ac.SaveConfig(updated)
}

// Close persists the Borda-ordered output bundle.
func (t *Tool) Close(_ context.Context, ac *registry.ActivityContext) (*registry.ClosePayload, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return nil, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)
	if len(opts) == 0 {
		return nil, nil
	}

	stats, complete, err := aggregate(ac.DB, ac.Activity.ID, opts)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]string, len(opts))
	for _, opt := range opts {
		sources[opt.ID] = opt.SourceActivityID
	}
	items := make([]models.BundleItem, 0, len(stats))
	for _, st := range stats {
		items = append(items, models.BundleItem{
			ID:               st.OptionID,
			Content:          st.Label,
			Rank:             st.Rank,
			SourceActivityID: sources[st.OptionID],
			Extra: map[string]any{
				"borda_score":      st.BordaScore,
				"avg_rank":         st.AvgRank,
				"rank_variance":    st.RankVariance,
				"top_choice_share": st.TopChoiceShare,
			},
		})
	}

	bundle, err := ac.Bundles.Create(ac.Session.ID, ac.Activity.ID, models.BundleOutput, items, map[string]any{
		"tool_type":        ToolType,
		"complete_ballots": complete,
	})
	if err != nil {
		return nil, err
	}

	top := stats[0]
	return &registry.ClosePayload{
		BundleID: bundle.ID,
		Items:    items,
		Summary: fmt.Sprintf("%q ranked %s with a Borda score of %d across %d complete rankings",
			top.Label, humanize.Ordinal(top.Rank), top.BordaScore, complete),
	}, nil
}

// Snapshot captures the live aggregate for autosave.
func (t *Tool) Snapshot(_ context.Context, ac *registry.ActivityContext) (*registry.DraftPayload, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return nil, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)
	if len(opts) == 0 {
		return nil, nil
	}

	stats, complete, err := aggregate(ac.DB, ac.Activity.ID, opts)
	if err != nil {
		return nil, err
	}

	items := make([]models.BundleItem, 0, len(stats))
	for _, st := range stats {
		items = append(items, models.BundleItem{
			ID:      st.OptionID,
			Content: st.Label,
			Votes:   st.BordaScore,
		})
	}
	return &registry.DraftPayload{
		Items:    items,
		Metadata: map[string]any{"complete_ballots": complete},
	}, nil
}

// TransferSource donates the raw option list.
func (t *Tool) TransferSource(_ context.Context, ac *registry.ActivityContext, _ bool) (*registry.TransferExport, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return nil, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)
	if len(opts) == 0 {
		return nil, nil
	}

	items := make([]models.BundleItem, 0, len(opts))
	for _, opt := range opts {
		src := opt.SourceActivityID
		if src == "" {
			src = ac.Activity.ID
		}
		items = append(items, models.BundleItem{ID: opt.ID, Content: opt.Label, SourceActivityID: src})
	}
	return &registry.TransferExport{Items: items, SourceLabel: ac.Activity.Title}, nil
}

func (t *Tool) TransferCount(_ context.Context, ac *registry.ActivityContext) (int, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return 0, err
	}
	return len(options.Derive(ac.Activity.ID, cfg.Options)), nil
}
