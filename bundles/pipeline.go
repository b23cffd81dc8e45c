// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package bundles

import (
	"database/sql"

	"github.com/danielhkuo/facilitator/models"
)

// Pipeline derives input bundles for activities from their agenda
// predecessor's output. Derivation is lazy and idempotent: callers invoke
// EnsureInputBundle whenever they are about to need the input (typically
// right before a tool opens) and it self-heals regardless of call order
// or repeated invocation. There is no global scheduler.
type Pipeline struct {
	db    *sql.DB
	store *Store
}

func NewPipeline(db *sql.DB, store *Store) *Pipeline {
	return &Pipeline{db: db, store: store}
}

// EnsureInputBundle returns the activity's current input bundle, deriving
// one from the preceding activity's output when needed.
//
// An existing input that predates the activity's own creation timestamp
// is stale (left over from a previous incarnation of the same agenda
// slot, e.g. after a duplicate or reset) and is discarded before
// re-derivation. Returns nil without error when there is no predecessor
// or the predecessor has not produced an output yet; a later call may
// succeed once it closes.
func (p *Pipeline) EnsureInputBundle(activity models.Activity) (*models.Bundle, error) {
	current, err := p.store.Current(activity.ID, models.BundleInput)
	if err != nil {
		return nil, err
	}
	if current != nil {
		if !current.CreatedAt.Before(activity.CreatedAt) {
			return current, nil
		}
		// Stale input from a previous incarnation.
		if err := p.store.DeleteKind(activity.ID, models.BundleInput); err != nil {
			return nil, err
		}
	}

	pred, err := p.predecessor(activity)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, nil
	}

	output, err := p.store.Current(pred.ID, models.BundleOutput)
	if err != nil {
		return nil, err
	}
	if output == nil {
		return nil, nil
	}

	return p.store.Create(
		activity.SessionID,
		activity.ID,
		models.BundleInput,
		CopyItems(output.Items),
		CopyMetadata(output.Metadata),
	)
}

// predecessor finds the immediately preceding activity in agenda order,
// or nil when the activity is first.
func (p *Pipeline) predecessor(activity models.Activity) (*models.Activity, error) {
	var pred models.Activity
	err := p.db.QueryRow(`
		SELECT id, session_id, tool_type, title, order_index, status, locked, created_at
		FROM activity
		WHERE session_id = $1 AND order_index < $2
		ORDER BY order_index DESC
		LIMIT 1
	`, activity.SessionID, activity.OrderIndex).Scan(
		&pred.ID, &pred.SessionID, &pred.ToolType, &pred.Title,
		&pred.OrderIndex, &pred.Status, &pred.Locked, &pred.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to query predecessor activity", Err: err}
	}
	return &pred, nil
}
