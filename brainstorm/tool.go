// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package brainstorm

import (
	"context"
	"fmt"

	humanize "github.com/dustin/go-humanize/english"

	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/registry"
)

const ToolType = "brainstorm"

// Tool implements the activity contract for idea collection.
type Tool struct{}

func NewTool() *Tool { return &Tool{} }

func (t *Tool) Manifest() models.ToolManifest {
	return models.ToolManifest{
		ToolType:        ToolType,
		Label:           "Brainstorm",
		Description:     "Collect free-form ideas and comments for downstream activities.",
		AutosaveSeconds: 30,
		DefaultConfig:   map[string]any{},
		ReliabilityPolicy: map[string]models.RetryPolicy{
			"idea": models.RetryPolicy{}.Normalize(),
		},
	}
}

// Open is a no-op: brainstorms start from a blank slate and take no
// upstream seed.
func (t *Tool) Open(context.Context, *registry.ActivityContext, *models.Bundle) error {
	return nil
}

// Close persists the output bundle: one item per idea with its comments
// as children, in submission order.
func (t *Tool) Close(_ context.Context, ac *registry.ActivityContext) (*registry.ClosePayload, error) {
	ideas, err := Ideas(ac.DB, ac.Activity.ID)
	if err != nil {
		return nil, err
	}
	if len(ideas) == 0 {
		return nil, nil
	}
	comments, err := Comments(ac.DB, ac.Activity.ID)
	if err != nil {
		return nil, err
	}

	items := itemize(ac.Activity.ID, ideas, comments)
	bundle, err := ac.Bundles.Create(ac.Session.ID, ac.Activity.ID, models.BundleOutput, items, map[string]any{
		"tool_type": ToolType,
	})
	if err != nil {
		return nil, err
	}

	commentCount := 0
	for _, cs := range comments {
		commentCount += len(cs)
	}
	return &registry.ClosePayload{
		BundleID: bundle.ID,
		Items:    items,
		Summary: fmt.Sprintf("collected %s and %s",
			humanize.Plural(len(ideas), "idea", ""), humanize.Plural(commentCount, "comment", "")),
	}, nil
}

// Snapshot captures the running idea list for autosave.
func (t *Tool) Snapshot(_ context.Context, ac *registry.ActivityContext) (*registry.DraftPayload, error) {
	ideas, err := Ideas(ac.DB, ac.Activity.ID)
	if err != nil {
		return nil, err
	}
	if len(ideas) == 0 {
		return nil, nil
	}
	comments, err := Comments(ac.DB, ac.Activity.ID)
	if err != nil {
		return nil, err
	}
	return &registry.DraftPayload{
		Items:    itemize(ac.Activity.ID, ideas, comments),
		Metadata: map[string]any{"idea_count": len(ideas)},
	}, nil
}

// TransferSource donates the idea list; child comments ride along only
// when the facilitator asks for them.
func (t *Tool) TransferSource(_ context.Context, ac *registry.ActivityContext, includeComments bool) (*registry.TransferExport, error) {
	ideas, err := Ideas(ac.DB, ac.Activity.ID)
	if err != nil {
		return nil, err
	}
	if len(ideas) == 0 {
		return nil, nil
	}

	var comments map[string][]models.IdeaComment
	if includeComments {
		comments, err = Comments(ac.DB, ac.Activity.ID)
		if err != nil {
			return nil, err
		}
	}
	return &registry.TransferExport{
		Items:       itemize(ac.Activity.ID, ideas, comments),
		SourceLabel: ac.Activity.Title,
	}, nil
}

func (t *Tool) TransferCount(_ context.Context, ac *registry.ActivityContext) (int, error) {
	var n int
	err := ac.DB.QueryRow(`
		SELECT COUNT(*) FROM idea WHERE activity_id = $1
	`, ac.Activity.ID).Scan(&n)
	if err != nil {
		return 0, &models.TransientStoreError{Message: "failed to count ideas", Err: err}
	}
	return n, nil
}

func itemize(activityID string, ideas []models.Idea, comments map[string][]models.IdeaComment) []models.BundleItem {
	items := make([]models.BundleItem, 0, len(ideas))
	for _, idea := range ideas {
		item := models.BundleItem{
			ID:               idea.ID,
			Content:          idea.Content,
			SourceActivityID: activityID,
		}
		for _, c := range comments[idea.ID] {
			item.Children = append(item.Children, models.BundleItem{ID: c.ID, Content: c.Content})
		}
		items = append(items, item)
	}
	return items
}
