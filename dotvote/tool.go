// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package dotvote

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/options"
	"github.com/danielhkuo/facilitator/registry"
)

const ToolType = "dotvote"

// Tool implements the activity contract for dot voting.
type Tool struct{}

func NewTool() *Tool { return &Tool{} }

func (t *Tool) Manifest() models.ToolManifest {
	return models.ToolManifest{
		ToolType:        ToolType,
		Label:           "Dot Voting",
		Description:     "Participants spend a small vote budget across options; highest totals win.",
		AutosaveSeconds: 30,
		DefaultConfig: map[string]any{
			"allow_retract":            true,
			"show_results_immediately": false,
		},
		ReliabilityPolicy: map[string]models.RetryPolicy{
			"cast": models.RetryPolicy{}.Normalize(),
		},
	}
}

// Open seeds the option list from the upstream input bundle. Idempotent:
// an activity that already has options keeps them, protecting facilitator
// hand-edits from a later upstream re-open.
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

// Close orders options by final tally and persists the output bundle.
func (t *Tool) Close(_ context.Context, ac *registry.ActivityContext) (*registry.ClosePayload, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return nil, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)
	if len(opts) == 0 {
		return nil, nil
	}

	totals, err := tally(ac.DB, ac.Activity.ID)
	if err != nil {
		return nil, err
	}

	tallies := make([]OptionTally, 0, len(opts))
	sources := make(map[string]string, len(opts))
	for _, opt := range opts {
		tallies = append(tallies, OptionTally{OptionID: opt.ID, Label: opt.Label, Votes: totals[opt.ID]})
		sources[opt.ID] = opt.SourceActivityID
	}
	rank(tallies)

	items := make([]models.BundleItem, 0, len(tallies))
	for _, tl := range tallies {
		items = append(items, models.BundleItem{
			ID:               tl.OptionID,
			Content:          tl.Label,
			Votes:            tl.Votes,
			Rank:             tl.Rank,
			SourceActivityID: sources[tl.OptionID],
		})
	}

	bundle, err := ac.Bundles.Create(ac.Session.ID, ac.Activity.ID, models.BundleOutput, items, map[string]any{
		"tool_type": ToolType,
	})
	if err != nil {
		return nil, err
	}

	top := tallies[0]
	return &registry.ClosePayload{
		BundleID: bundle.ID,
		Items:    items,
		Summary:  fmt.Sprintf("%q finished in %s place with %d votes", top.Label, humanize.Ordinal(top.Rank), top.Votes),
	}, nil
}

// Snapshot captures the live tally for autosave.
func (t *Tool) Snapshot(_ context.Context, ac *registry.ActivityContext) (*registry.DraftPayload, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return nil, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)
	if len(opts) == 0 {
		return nil, nil
	}

	totals, err := tally(ac.DB, ac.Activity.ID)
	if err != nil {
		return nil, err
	}

	items := make([]models.BundleItem, 0, len(opts))
	voteCount := 0
	for _, opt := range opts {
		items = append(items, models.BundleItem{ID: opt.ID, Content: opt.Label, Votes: totals[opt.ID]})
		voteCount += totals[opt.ID]
	}
	return &registry.DraftPayload{
		Items:    items,
		Metadata: map[string]any{"total_votes": voteCount},
	}, nil
}

// TransferSource donates the raw option list; dot votes have no child
// records, so includeComments is irrelevant here.
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
