// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package categorize

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/registry"
)

const ToolType = "categorize"

// Tool implements the activity contract for categorization.
type Tool struct{}

func NewTool() *Tool { return &Tool{} }

func (t *Tool) Manifest() models.ToolManifest {
	return models.ToolManifest{
		ToolType:        ToolType,
		Label:           "Categorization",
		Description:     "Sort items into buckets, live or by parallel ballots with agreement detection.",
		AutosaveSeconds: 30,
		DefaultConfig: map[string]any{
			"mode":                      ModeFacilitatorLive,
			"agreement_threshold":       DefaultAgreementThreshold,
			"minimum_ballots":           DefaultMinimumBallots,
			"allow_unsorted_submission": false,
			"private_until_reveal":      true,
			"fold_comments":             true,
		},
		ReliabilityPolicy: map[string]models.RetryPolicy{
			"ballot": models.RetryPolicy{}.Normalize(),
		},
	}
}

// Open seeds items from the upstream input bundle: parent-level records
// only, child comments folded into the content string when configured.
// Refused (as a no-op) when the activity already has items, so a later
// upstream re-open never clobbers facilitator hand-edits.
func (t *Tool) Open(_ context.Context, ac *registry.ActivityContext, input *models.Bundle) error {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return err
	}

	store := NewStore(ac.DB)
	unsorted, err := store.EnsureUnsorted(ac.Activity.ID)
	if err != nil {
		return err
	}
	if input == nil || len(input.Items) == 0 {
		return nil
	}
	existing, err := store.Items(ac.Activity.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	position := 0
	for i, src := range input.Items {
		content := foldContent(src, cfg.FoldComments)
		if content == "" {
			continue
		}
		key := src.ID
		if key == "" {
			key = strconv.Itoa(i)
		}
		id, err := identity.GenerateID(16)
		if err != nil {
			return err
		}
		item := models.CategorizationItem{
			ID:         id,
			ActivityID: ac.Activity.ID,
			ItemKey:    key,
			Content:    content,
			Position:   position,
		}
		if err := store.insertItem(item, unsorted.ID); err != nil {
			return err
		}
		position++
	}
	return store.appendAudit(ac.Activity.ID, ac.Actor.ID, "seed", map[string]any{"items": position})
}

// foldContent flattens an upstream item to a single string, appending
// child comments in the form "<content> (Comments: a; b)" when enabled.
func foldContent(item models.BundleItem, fold bool) string {
	content := strings.TrimSpace(item.Content)
	if content == "" || !fold || len(item.Children) == 0 {
		return content
	}
	comments := make([]string, 0, len(item.Children))
	for _, child := range item.Children {
		if c := strings.TrimSpace(child.Content); c != "" {
			comments = append(comments, c)
		}
	}
	if len(comments) == 0 {
		return content
	}
	return content + " (Comments: " + strings.Join(comments, "; ") + ")"
}

// Close persists the output bundle: one record per bucket with the
// items placed in it as children, finals overriding live placements.
func (t *Tool) Close(ctx context.Context, ac *registry.ActivityContext) (*registry.ClosePayload, error) {
	view, err := View(ctx, ac)
	if err != nil {
		return nil, err
	}
	if len(view.Items) == 0 {
		return nil, nil
	}

	byBucket := make(map[string][]models.BundleItem)
	for _, iv := range view.Items {
		byBucket[iv.BucketID] = append(byBucket[iv.BucketID], models.BundleItem{
			ID:               iv.Item.ItemKey,
			Content:          iv.Item.Content,
			SourceActivityID: ac.Activity.ID,
		})
	}

	items := make([]models.BundleItem, 0, len(view.Buckets))
	for _, b := range view.Buckets {
		children := byBucket[b.ID]
		if len(children) == 0 && b.Reserved {
			continue
		}
		items = append(items, models.BundleItem{
			ID:       b.ID,
			Content:  b.Label,
			Children: children,
		})
	}

	agreement, err := Agreement(ac)
	if err != nil {
		return nil, err
	}
	agreed, disputed := 0, 0
	for _, m := range agreement {
		if m.Status == models.ConsensusAgreed {
			agreed++
		} else {
			disputed++
		}
	}

	bundle, err := ac.Bundles.Create(ac.Session.ID, ac.Activity.ID, models.BundleOutput, items, map[string]any{
		"tool_type":      ToolType,
		"mode":           view.Mode,
		"agreed_items":   agreed,
		"disputed_items": disputed,
	})
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("%d items sorted into %d buckets", len(view.Items), len(items))
	if view.Mode == ModeParallelBallot {
		summary = fmt.Sprintf("%s (%d agreed, %d disputed)", summary, agreed, disputed)
	}
	return &registry.ClosePayload{
		BundleID: bundle.ID,
		Items:    items,
		Summary:  summary,
	}, nil
}

// Snapshot captures the current board for autosave.
func (t *Tool) Snapshot(ctx context.Context, ac *registry.ActivityContext) (*registry.DraftPayload, error) {
	view, err := View(ctx, ac)
	if err != nil {
		return nil, err
	}
	if len(view.Items) == 0 {
		return nil, nil
	}

	items := make([]models.BundleItem, 0, len(view.Items))
	for _, iv := range view.Items {
		items = append(items, models.BundleItem{
			ID:      iv.Item.ItemKey,
			Content: iv.Item.Content,
			Extra:   map[string]any{"bucket_id": iv.BucketID},
		})
	}
	return &registry.DraftPayload{
		Items: items,
		Metadata: map[string]any{
			"mode":             view.Mode,
			"submitted_actors": view.SubmittedActors,
		},
	}, nil
}

// TransferSource donates the flat item list; comments were already
// folded into content at seed time, so includeComments has no further
// effect here.
func (t *Tool) TransferSource(_ context.Context, ac *registry.ActivityContext, _ bool) (*registry.TransferExport, error) {
	store := NewStore(ac.DB)
	items, err := store.Items(ac.Activity.ID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	exported := make([]models.BundleItem, 0, len(items))
	for _, item := range items {
		exported = append(exported, models.BundleItem{
			ID:               item.ItemKey,
			Content:          item.Content,
			SourceActivityID: ac.Activity.ID,
		})
	}
	return &registry.TransferExport{Items: exported, SourceLabel: ac.Activity.Title}, nil
}

func (t *Tool) TransferCount(_ context.Context, ac *registry.ActivityContext) (int, error) {
	items, err := NewStore(ac.DB).Items(ac.Activity.ID)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}
