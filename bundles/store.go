// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package bundles

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
)

// Store persists kinded bundle snapshots per (session, activity).
//
// Current-row semantics: input/output/transfer bundles are append-only
// and "current" is the most recently created row; drafts are upserted so
// there is only ever one logical draft per activity.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create appends a new bundle row of the given kind.
func (s *Store) Create(sessionID, activityID, kind string, items []models.BundleItem, metadata map[string]any) (*models.Bundle, error) {
	now := time.Now().UTC()
	b := &models.Bundle{
		ID:         identity.NewUUID(),
		SessionID:  sessionID,
		ActivityID: activityID,
		Kind:       kind,
		Items:      items,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	itemsJSON, metaJSON, err := encodePayload(items, metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		INSERT INTO bundle (id, session_id, activity_id, kind, items, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, sessionID, activityID, kind, itemsJSON, metaJSON, now, now)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to insert bundle", Err: err}
	}

	return b, nil
}

// Current returns the most recently created bundle of the given kind for
// the activity, or nil when none exists.
func (s *Store) Current(activityID, kind string) (*models.Bundle, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, activity_id, kind, items, metadata, created_at, updated_at
		FROM bundle
		WHERE activity_id = $1 AND kind = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, activityID, kind)

	b, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to query bundle", Err: err}
	}
	return b, nil
}

// UpsertDraft replaces the activity's draft in place, creating it on
// first write. Drafts keep their row identity across autosaves.
func (s *Store) UpsertDraft(sessionID, activityID string, items []models.BundleItem, metadata map[string]any) (*models.Bundle, error) {
	existing, err := s.Current(activityID, models.BundleDraft)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return s.Create(sessionID, activityID, models.BundleDraft, items, metadata)
	}

	itemsJSON, metaJSON, err := encodePayload(items, metadata)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE bundle SET items = $1, metadata = $2, updated_at = $3 WHERE id = $4
	`, itemsJSON, metaJSON, now, existing.ID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to update draft bundle", Err: err}
	}

	existing.Items = items
	existing.Metadata = metadata
	existing.UpdatedAt = now
	return existing, nil
}

// DeleteKind removes every bundle row of the given kind for the activity.
func (s *Store) DeleteKind(activityID, kind string) error {
	_, err := s.db.Exec(`DELETE FROM bundle WHERE activity_id = $1 AND kind = $2`, activityID, kind)
	if err != nil {
		return &models.TransientStoreError{Message: "failed to delete bundles", Err: err}
	}
	return nil
}

// DeleteForActivity removes every bundle the activity owns. Called when
// an activity resets.
func (s *Store) DeleteForActivity(activityID string) error {
	_, err := s.db.Exec(`DELETE FROM bundle WHERE activity_id = $1`, activityID)
	if err != nil {
		return &models.TransientStoreError{Message: "failed to delete activity bundles", Err: err}
	}
	return nil
}

// DeleteForSession removes every bundle in the session. Called on
// session teardown.
func (s *Store) DeleteForSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM bundle WHERE session_id = $1`, sessionID)
	if err != nil {
		return &models.TransientStoreError{Message: "failed to delete session bundles", Err: err}
	}
	return nil
}

// CopyItems returns a deep copy of bundle items so downstream bundles
// never alias the donor's payload.
func CopyItems(items []models.BundleItem) []models.BundleItem {
	if items == nil {
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		// BundleItem is marshal-safe by construction.
		panic(fmt.Sprintf("bundles: copy items: %v", err))
	}
	out := []models.BundleItem{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("bundles: copy items: %v", err))
	}
	return out
}

// CopyMetadata deep-copies a bundle metadata map.
func CopyMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		panic(fmt.Sprintf("bundles: copy metadata: %v", err))
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("bundles: copy metadata: %v", err))
	}
	return out
}

func encodePayload(items []models.BundleItem, metadata map[string]any) (string, string, error) {
	if items == nil {
		items = []models.BundleItem{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode bundle items: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode bundle metadata: %w", err)
	}
	return string(itemsJSON), string(metaJSON), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBundle(row rowScanner) (*models.Bundle, error) {
	var b models.Bundle
	var itemsJSON, metaJSON string
	err := row.Scan(&b.ID, &b.SessionID, &b.ActivityID, &b.Kind, &itemsJSON, &metaJSON, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(itemsJSON), &b.Items); err != nil {
		return nil, fmt.Errorf("failed to decode bundle items: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &b.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode bundle metadata: %w", err)
	}
	return &b, nil
}
