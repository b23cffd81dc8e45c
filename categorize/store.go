// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package categorize

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
)

// Store is the row-level data access layer for buckets, items,
// placements, ballots, finals, and the audit log.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureUnsorted returns the activity's reserved UNSORTED bucket,
// creating it on first touch. A concurrent create races on the
// (activity, label) unique constraint; the loser re-reads.
func (s *Store) EnsureUnsorted(activityID string) (models.Bucket, error) {
	b, err := s.bucketByLabel(activityID, models.UnsortedBucket)
	if err == nil {
		return b, nil
	}
	if err != sql.ErrNoRows {
		return models.Bucket{}, &models.TransientStoreError{Message: "failed to load reserved bucket", Err: err}
	}

	id, err := identity.GenerateID(16)
	if err != nil {
		return models.Bucket{}, err
	}
	_, err = s.db.Exec(`
		INSERT INTO cat_bucket (id, activity_id, label, position, reserved)
		VALUES ($1, $2, $3, 0, TRUE)
	`, id, activityID, models.UnsortedBucket)
	if err != nil {
		// Lost the race; the winner's row is authoritative.
		if b, rerr := s.bucketByLabel(activityID, models.UnsortedBucket); rerr == nil {
			return b, nil
		}
		return models.Bucket{}, &models.TransientStoreError{Message: "failed to create reserved bucket", Err: err}
	}
	return models.Bucket{ID: id, ActivityID: activityID, Label: models.UnsortedBucket, Reserved: true}, nil
}

func (s *Store) bucketByLabel(activityID, label string) (models.Bucket, error) {
	var b models.Bucket
	err := s.db.QueryRow(`
		SELECT id, activity_id, label, position, reserved
		FROM cat_bucket WHERE activity_id = $1 AND label = $2
	`, activityID, label).Scan(&b.ID, &b.ActivityID, &b.Label, &b.Position, &b.Reserved)
	return b, err
}

func (s *Store) BucketByID(activityID, bucketID string) (models.Bucket, error) {
	var b models.Bucket
	err := s.db.QueryRow(`
		SELECT id, activity_id, label, position, reserved
		FROM cat_bucket WHERE activity_id = $1 AND id = $2
	`, activityID, bucketID).Scan(&b.ID, &b.ActivityID, &b.Label, &b.Position, &b.Reserved)
	if err == sql.ErrNoRows {
		return models.Bucket{}, models.NotFoundf("bucket not found: " + bucketID)
	}
	if err != nil {
		return models.Bucket{}, &models.TransientStoreError{Message: "failed to load bucket", Err: err}
	}
	return b, nil
}

// Buckets returns the activity's buckets with the reserved UNSORTED
// bucket first, then by position.
func (s *Store) Buckets(activityID string) ([]models.Bucket, error) {
	rows, err := s.db.Query(`
		SELECT id, activity_id, label, position, reserved
		FROM cat_bucket WHERE activity_id = $1
		ORDER BY reserved DESC, position ASC, label ASC
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to list buckets", Err: err}
	}
	defer rows.Close()

	var buckets []models.Bucket
	for rows.Next() {
		var b models.Bucket
		if err := rows.Scan(&b.ID, &b.ActivityID, &b.Label, &b.Position, &b.Reserved); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (s *Store) insertBucket(b models.Bucket) error {
	_, err := s.db.Exec(`
		INSERT INTO cat_bucket (id, activity_id, label, position, reserved)
		VALUES ($1, $2, $3, $4, FALSE)
	`, b.ID, b.ActivityID, b.Label, b.Position)
	if err != nil {
		// UNIQUE (activity_id, label)
		return models.Conflictf("a bucket with that label already exists")
	}
	return nil
}

func (s *Store) updateBucketLabel(activityID, bucketID, label string) error {
	if _, err := s.db.Exec(`
		UPDATE cat_bucket SET label = $1 WHERE activity_id = $2 AND id = $3
	`, label, activityID, bucketID); err != nil {
		return models.Conflictf("a bucket with that label already exists")
	}
	return nil
}

func (s *Store) updateBucketPosition(activityID, bucketID string, position int) error {
	if _, err := s.db.Exec(`
		UPDATE cat_bucket SET position = $1 WHERE activity_id = $2 AND id = $3
	`, position, activityID, bucketID); err != nil {
		return &models.TransientStoreError{Message: "failed to reorder bucket", Err: err}
	}
	return nil
}

// deleteBucketRemap removes a bucket after pointing every assignment,
// ballot, and final that referenced it at UNSORTED. All-or-nothing.
func (s *Store) deleteBucketRemap(activityID, bucketID, unsortedID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &models.TransientStoreError{Message: "failed to begin transaction", Err: err}
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`UPDATE cat_assignment SET bucket_id = $1 WHERE activity_id = $2 AND bucket_id = $3`,
		`UPDATE cat_ballot SET bucket_id = $1 WHERE activity_id = $2 AND bucket_id = $3`,
		`UPDATE cat_final SET bucket_id = $1 WHERE activity_id = $2 AND bucket_id = $3`,
	} {
		if _, err := tx.Exec(stmt, unsortedID, activityID, bucketID); err != nil {
			return &models.TransientStoreError{Message: "failed to remap bucket references", Err: err}
		}
	}
	if _, err := tx.Exec(`
		DELETE FROM cat_bucket WHERE activity_id = $1 AND id = $2
	`, activityID, bucketID); err != nil {
		return &models.TransientStoreError{Message: "failed to delete bucket", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &models.TransientStoreError{Message: "failed to commit bucket deletion", Err: err}
	}
	return nil
}

// insertItem stores an item and its default UNSORTED assignment in one
// transaction, honoring the invariant that every item always has
// exactly one assignment row.
func (s *Store) insertItem(item models.CategorizationItem, unsortedID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &models.TransientStoreError{Message: "failed to begin transaction", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO cat_item (id, activity_id, item_key, content, position)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.ActivityID, item.ItemKey, item.Content, item.Position); err != nil {
		// UNIQUE (activity_id, item_key)
		return models.Conflictf("an item with that key already exists")
	}
	if _, err := tx.Exec(`
		INSERT INTO cat_assignment (activity_id, item_id, bucket_id, updated_at)
		VALUES ($1, $2, $3, $4)
	`, item.ActivityID, item.ID, unsortedID, time.Now().UTC()); err != nil {
		return &models.TransientStoreError{Message: "failed to create default assignment", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &models.TransientStoreError{Message: "failed to commit item", Err: err}
	}
	return nil
}

func (s *Store) Items(activityID string) ([]models.CategorizationItem, error) {
	rows, err := s.db.Query(`
		SELECT id, activity_id, item_key, content, position
		FROM cat_item WHERE activity_id = $1
		ORDER BY position ASC, item_key ASC
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to list items", Err: err}
	}
	defer rows.Close()

	var items []models.CategorizationItem
	for rows.Next() {
		var it models.CategorizationItem
		if err := rows.Scan(&it.ID, &it.ActivityID, &it.ItemKey, &it.Content, &it.Position); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) ItemByID(activityID, itemID string) (models.CategorizationItem, error) {
	var it models.CategorizationItem
	err := s.db.QueryRow(`
		SELECT id, activity_id, item_key, content, position
		FROM cat_item WHERE activity_id = $1 AND id = $2
	`, activityID, itemID).Scan(&it.ID, &it.ActivityID, &it.ItemKey, &it.Content, &it.Position)
	if err == sql.ErrNoRows {
		return models.CategorizationItem{}, models.NotFoundf("item not found: " + itemID)
	}
	if err != nil {
		return models.CategorizationItem{}, &models.TransientStoreError{Message: "failed to load item", Err: err}
	}
	return it, nil
}

func (s *Store) upsertAssignment(activityID, itemID, bucketID string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE cat_assignment SET bucket_id = $1, updated_at = $2
		WHERE activity_id = $3 AND item_id = $4
	`, bucketID, now, activityID, itemID)
	if err != nil {
		return &models.TransientStoreError{Message: "failed to move item", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.Exec(`
			INSERT INTO cat_assignment (activity_id, item_id, bucket_id, updated_at)
			VALUES ($1, $2, $3, $4)
		`, activityID, itemID, bucketID, now); err != nil {
			return &models.TransientStoreError{Message: "failed to place item", Err: err}
		}
	}
	return nil
}

// Assignments returns item -> bucket for the live placements.
func (s *Store) Assignments(activityID string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT item_id, bucket_id FROM cat_assignment WHERE activity_id = $1
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to load assignments", Err: err}
	}
	defer rows.Close()

	placements := make(map[string]string)
	for rows.Next() {
		a := models.Assignment{ActivityID: activityID}
		if err := rows.Scan(&a.ItemID, &a.BucketID); err != nil {
			return nil, err
		}
		placements[a.ItemID] = a.BucketID
	}
	return placements, rows.Err()
}

// upsertBallot writes the actor's private placement for one item. A
// change after submission drops the submitted flag for that item; the
// actor re-submits to count again.
func (s *Store) upsertBallot(activityID, actorID, itemID, bucketID string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE cat_ballot SET bucket_id = $1, submitted = FALSE, updated_at = $2
		WHERE activity_id = $3 AND actor_id = $4 AND item_id = $5
	`, bucketID, now, activityID, actorID, itemID)
	if err != nil {
		return &models.TransientStoreError{Message: "failed to update ballot", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.Exec(`
			INSERT INTO cat_ballot (activity_id, actor_id, item_id, bucket_id, submitted, updated_at)
			VALUES ($1, $2, $3, $4, FALSE, $5)
		`, activityID, actorID, itemID, bucketID, now); err != nil {
			return &models.TransientStoreError{Message: "failed to store ballot", Err: err}
		}
	}
	return nil
}

func (s *Store) ActorBallots(activityID, actorID string) ([]models.CatBallot, error) {
	return s.ballots(`
		SELECT activity_id, actor_id, item_id, bucket_id, submitted, updated_at
		FROM cat_ballot WHERE activity_id = $1 AND actor_id = $2
	`, activityID, actorID)
}

func (s *Store) SubmittedBallots(activityID string) ([]models.CatBallot, error) {
	return s.ballots(`
		SELECT activity_id, actor_id, item_id, bucket_id, submitted, updated_at
		FROM cat_ballot WHERE activity_id = $1 AND submitted = TRUE
	`, activityID)
}

func (s *Store) AllBallots(activityID string) ([]models.CatBallot, error) {
	return s.ballots(`
		SELECT activity_id, actor_id, item_id, bucket_id, submitted, updated_at
		FROM cat_ballot WHERE activity_id = $1
	`, activityID)
}

func (s *Store) ballots(query string, args ...any) ([]models.CatBallot, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to load ballots", Err: err}
	}
	defer rows.Close()

	var ballots []models.CatBallot
	for rows.Next() {
		var b models.CatBallot
		if err := rows.Scan(&b.ActivityID, &b.ActorID, &b.ItemID, &b.BucketID, &b.Submitted, &b.UpdatedAt); err != nil {
			return nil, err
		}
		ballots = append(ballots, b)
	}
	return ballots, rows.Err()
}

func (s *Store) markSubmitted(activityID, actorID string) error {
	if _, err := s.db.Exec(`
		UPDATE cat_ballot SET submitted = TRUE, updated_at = $1
		WHERE activity_id = $2 AND actor_id = $3
	`, time.Now().UTC(), activityID, actorID); err != nil {
		return &models.TransientStoreError{Message: "failed to submit ballots", Err: err}
	}
	return nil
}

// SubmittedActorCount counts actors with at least one submitted ballot.
func (s *Store) SubmittedActorCount(activityID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(DISTINCT actor_id) FROM cat_ballot
		WHERE activity_id = $1 AND submitted = TRUE
	`, activityID).Scan(&n)
	if err != nil {
		return 0, &models.TransientStoreError{Message: "failed to count submitted actors", Err: err}
	}
	return n, nil
}

func (s *Store) upsertFinal(activityID, itemID, bucketID, resolvedBy string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE cat_final SET bucket_id = $1, resolved_by = $2, resolved_at = $3
		WHERE activity_id = $4 AND item_id = $5
	`, bucketID, resolvedBy, now, activityID, itemID)
	if err != nil {
		return &models.TransientStoreError{Message: "failed to update final placement", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.Exec(`
			INSERT INTO cat_final (activity_id, item_id, bucket_id, resolved_by, resolved_at)
			VALUES ($1, $2, $3, $4, $5)
		`, activityID, itemID, bucketID, resolvedBy, now); err != nil {
			return &models.TransientStoreError{Message: "failed to store final placement", Err: err}
		}
	}
	return nil
}

// Finals returns item -> final assignment for the resolved placements.
func (s *Store) Finals(activityID string) (map[string]models.FinalAssignment, error) {
	rows, err := s.db.Query(`
		SELECT activity_id, item_id, bucket_id, resolved_by, resolved_at
		FROM cat_final WHERE activity_id = $1
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to load final placements", Err: err}
	}
	defer rows.Close()

	finals := make(map[string]models.FinalAssignment)
	for rows.Next() {
		var f models.FinalAssignment
		if err := rows.Scan(&f.ActivityID, &f.ItemID, &f.BucketID, &f.ResolvedBy, &f.ResolvedAt); err != nil {
			return nil, err
		}
		finals[f.ItemID] = f
	}
	return finals, rows.Err()
}

// appendAudit records one mutating action. Failures are surfaced to the
// caller; the audit trail is part of the write, not best-effort.
func (s *Store) appendAudit(activityID, actorID, action string, detail map[string]any) error {
	id, err := identity.GenerateID(16)
	if err != nil {
		return err
	}
	payload := "{}"
	if len(detail) > 0 {
		data, err := json.Marshal(detail)
		if err != nil {
			return models.Validationf("audit detail is not serializable: " + err.Error())
		}
		payload = string(data)
	}
	if _, err := s.db.Exec(`
		INSERT INTO cat_audit (id, activity_id, actor_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, activityID, actorID, action, payload, time.Now().UTC()); err != nil {
		return &models.TransientStoreError{Message: "failed to append audit event", Err: err}
	}
	return nil
}

// AuditTrail returns the activity's audit log oldest-first.
func (s *Store) AuditTrail(activityID string) ([]models.AuditEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, activity_id, actor_id, action, detail, created_at
		FROM cat_audit WHERE activity_id = $1
		ORDER BY created_at ASC, id ASC
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to load audit trail", Err: err}
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var detail string
		if err := rows.Scan(&ev.ID, &ev.ActivityID, &ev.ActorID, &ev.Action, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
				return nil, &models.TransientStoreError{Message: "corrupt audit detail", Err: err}
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
