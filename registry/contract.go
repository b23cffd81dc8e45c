// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package registry

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/bundles"
	"github.com/danielhkuo/facilitator/models"
)

// ActivityContext carries everything a tool operation needs: the acting
// user, the session and activity rows, the bundle store, and the event
// sink. One context per call; tools hold no state between calls.
type ActivityContext struct {
	DB       *sql.DB
	Session  models.Session
	Activity models.Activity
	Bundles  *bundles.Store
	Actor    models.Actor
	Events   broadcast.Sink
}

// SaveConfig persists the activity's config blob and updates the
// in-memory copy. Unknown keys a tool does not model pass through
// untouched because tools mutate the open map rather than a closed
// struct.
func (ac *ActivityContext) SaveConfig(cfg map[string]any) error {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return models.Validationf("activity config is not serializable: " + err.Error())
	}
	if _, err := ac.DB.Exec(`UPDATE activity SET config = $1 WHERE id = $2`, string(data), ac.Activity.ID); err != nil {
		return &models.TransientStoreError{Message: "failed to save activity config", Err: err}
	}
	ac.Activity.Config = cfg
	return nil
}

// ClosePayload echoes a finalized activity back to the caller: the
// output bundle's identity plus its materialized items.
type ClosePayload struct {
	BundleID string              `json:"bundle_id"`
	Items    []models.BundleItem `json:"items"`
	Summary  string              `json:"summary,omitempty"`
}

// DraftPayload is a lightweight current-state snapshot with no
// commitment semantics, produced for periodic autosave.
type DraftPayload struct {
	Items    []models.BundleItem `json:"items"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

// TransferExport is what a facilitator may hand to a different activity
// type, decoupled from the tool's output format.
type TransferExport struct {
	Items       []models.BundleItem `json:"items"`
	SourceLabel string              `json:"source_label"`
}

// Tool is the behavior every activity variant implements.
type Tool interface {
	// Manifest describes the tool for the catalog. Manifest().ToolType
	// is the registry key.
	Manifest() models.ToolManifest

	// Open seeds tool-specific configuration from an optional upstream
	// input bundle. Must be side-effect idempotent: when the activity
	// already carries authoritative seed data, re-invocation is a no-op.
	Open(ctx context.Context, ac *ActivityContext, input *models.Bundle) error

	// Close computes final results, persists an output bundle, and
	// returns its identity and items. Nil when the tool has nothing to
	// finalize.
	Close(ctx context.Context, ac *ActivityContext) (*ClosePayload, error)

	// Snapshot produces the autosave draft payload, or nil when there is
	// nothing worth saving.
	Snapshot(ctx context.Context, ac *ActivityContext) (*DraftPayload, error)

	// TransferSource produces the items the facilitator may hand to a
	// different activity type. Nil when the tool has nothing to donate.
	TransferSource(ctx context.Context, ac *ActivityContext, includeComments bool) (*TransferExport, error)

	// TransferCount is a cheap count for UI badges, without
	// materializing full items.
	TransferCount(ctx context.Context, ac *ActivityContext) (int, error)
}
