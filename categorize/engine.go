// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package categorize

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/registry"
)

func requireUnlocked(ac *registry.ActivityContext) error {
	if ac.Activity.Locked {
		return models.Conflictf("activity is locked")
	}
	return nil
}

func requirePrivileged(ac *registry.ActivityContext) error {
	if !ac.Actor.Privileged() {
		return models.Conflictf("facilitator role required")
	}
	return nil
}

func publish(ctx context.Context, ac *registry.ActivityContext, eventType string, payload map[string]any) {
	ac.Events.Publish(ctx, broadcast.Event{
		SessionID:  ac.Session.ID,
		ActivityID: ac.Activity.ID,
		Type:       eventType,
		Payload:    payload,
	})
}

// CreateBucket adds a sortable target. Facilitator-only; the reserved
// UNSORTED label cannot be claimed.
func CreateBucket(ctx context.Context, ac *registry.ActivityContext, label string) (models.Bucket, error) {
	if err := requirePrivileged(ac); err != nil {
		return models.Bucket{}, err
	}
	if err := requireUnlocked(ac); err != nil {
		return models.Bucket{}, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return models.Bucket{}, models.Validationf("bucket label is empty")
	}
	if label == models.UnsortedBucket {
		return models.Bucket{}, models.Validationf("bucket label is reserved")
	}

	store := NewStore(ac.DB)
	if _, err := store.EnsureUnsorted(ac.Activity.ID); err != nil {
		return models.Bucket{}, err
	}
	existing, err := store.Buckets(ac.Activity.ID)
	if err != nil {
		return models.Bucket{}, err
	}

	id, err := identity.GenerateID(16)
	if err != nil {
		return models.Bucket{}, err
	}
	b := models.Bucket{ID: id, ActivityID: ac.Activity.ID, Label: label, Position: len(existing)}
	if err := store.insertBucket(b); err != nil {
		return models.Bucket{}, err
	}
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "bucket.create", map[string]any{"bucket_id": id, "label": label}); err != nil {
		return models.Bucket{}, err
	}
	publish(ctx, ac, "categorize.bucket.create", map[string]any{"bucket_id": id, "label": label})
	return b, nil
}

// RenameBucket relabels a non-reserved bucket.
func RenameBucket(ctx context.Context, ac *registry.ActivityContext, bucketID, label string) error {
	if err := requirePrivileged(ac); err != nil {
		return err
	}
	if err := requireUnlocked(ac); err != nil {
		return err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return models.Validationf("bucket label is empty")
	}
	if label == models.UnsortedBucket {
		return models.Validationf("bucket label is reserved")
	}

	store := NewStore(ac.DB)
	b, err := store.BucketByID(ac.Activity.ID, bucketID)
	if err != nil {
		return err
	}
	if b.Reserved {
		return models.Conflictf("the reserved bucket cannot be edited")
	}
	if err := store.updateBucketLabel(ac.Activity.ID, bucketID, label); err != nil {
		return err
	}
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "bucket.rename", map[string]any{"bucket_id": bucketID, "label": label}); err != nil {
		return err
	}
	publish(ctx, ac, "categorize.bucket.rename", map[string]any{"bucket_id": bucketID, "label": label})
	return nil
}

// ReorderBucket moves a non-reserved bucket to a new position.
func ReorderBucket(ctx context.Context, ac *registry.ActivityContext, bucketID string, position int) error {
	if err := requirePrivileged(ac); err != nil {
		return err
	}
	if err := requireUnlocked(ac); err != nil {
		return err
	}
	if position < 0 {
		return models.Validationf("bucket position must not be negative")
	}

	store := NewStore(ac.DB)
	b, err := store.BucketByID(ac.Activity.ID, bucketID)
	if err != nil {
		return err
	}
	if b.Reserved {
		return models.Conflictf("the reserved bucket cannot be edited")
	}
	if err := store.updateBucketPosition(ac.Activity.ID, bucketID, position); err != nil {
		return err
	}
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "bucket.reorder", map[string]any{"bucket_id": bucketID, "position": position}); err != nil {
		return err
	}
	publish(ctx, ac, "categorize.bucket.reorder", map[string]any{"bucket_id": bucketID, "position": position})
	return nil
}

// DeleteBucket removes a non-reserved bucket, remapping every
// assignment, ballot, and final that referenced it to UNSORTED first so
// nothing is left dangling.
func DeleteBucket(ctx context.Context, ac *registry.ActivityContext, bucketID string) error {
	if err := requirePrivileged(ac); err != nil {
		return err
	}
	if err := requireUnlocked(ac); err != nil {
		return err
	}

	store := NewStore(ac.DB)
	b, err := store.BucketByID(ac.Activity.ID, bucketID)
	if err != nil {
		return err
	}
	if b.Reserved {
		return models.Conflictf("the reserved bucket cannot be deleted")
	}
	unsorted, err := store.EnsureUnsorted(ac.Activity.ID)
	if err != nil {
		return err
	}
	if err := store.deleteBucketRemap(ac.Activity.ID, bucketID, unsorted.ID); err != nil {
		return err
	}
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "bucket.delete", map[string]any{"bucket_id": bucketID, "label": b.Label}); err != nil {
		return err
	}
	publish(ctx, ac, "categorize.bucket.delete", map[string]any{"bucket_id": bucketID})
	return nil
}

// MoveItem sets the authoritative placement for an item. Facilitator-
// live mode only; privileged actors only.
func MoveItem(ctx context.Context, ac *registry.ActivityContext, itemID, bucketID string) error {
	if err := requirePrivileged(ac); err != nil {
		return err
	}
	if err := requireUnlocked(ac); err != nil {
		return err
	}
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return err
	}
	if cfg.Mode != ModeFacilitatorLive {
		return models.Conflictf("direct moves are only available in facilitator-live mode")
	}

	store := NewStore(ac.DB)
	if _, err := store.ItemByID(ac.Activity.ID, itemID); err != nil {
		return err
	}
	if _, err := store.BucketByID(ac.Activity.ID, bucketID); err != nil {
		return err
	}
	if err := store.upsertAssignment(ac.Activity.ID, itemID, bucketID); err != nil {
		return err
	}
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "item.move", map[string]any{"item_id": itemID, "bucket_id": bucketID}); err != nil {
		return err
	}
	publish(ctx, ac, "categorize.item.move", map[string]any{"item_id": itemID, "bucket_id": bucketID})
	return nil
}

// SetBallot records the acting participant's private placement for one
// item. Parallel-ballot mode only.
func SetBallot(ctx context.Context, ac *registry.ActivityContext, itemID, bucketID string) error {
	if err := requireUnlocked(ac); err != nil {
		return err
	}
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return err
	}
	if cfg.Mode != ModeParallelBallot {
		return models.Conflictf("ballots are only available in parallel-ballot mode")
	}

	store := NewStore(ac.DB)
	if _, err := store.ItemByID(ac.Activity.ID, itemID); err != nil {
		return err
	}
	if _, err := store.BucketByID(ac.Activity.ID, bucketID); err != nil {
		return err
	}
	if err := store.upsertBallot(ac.Activity.ID, ac.Actor.ID, itemID, bucketID); err != nil {
		return err
	}
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "ballot.set", map[string]any{"item_id": itemID, "bucket_id": bucketID}); err != nil {
		return err
	}
	// Ballot contents stay private; only the fact of activity is pushed.
	publish(ctx, ac, "categorize.ballot.set", map[string]any{"item_id": itemID})
	return nil
}

// SubmitBallots marks the actor's ballots as counting toward consensus.
// Rejected when any item still sits at UNSORTED unless the activity
// allows unsorted submissions.
func SubmitBallots(ctx context.Context, ac *registry.ActivityContext) error {
	if err := requireUnlocked(ac); err != nil {
		return err
	}
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return err
	}
	if cfg.Mode != ModeParallelBallot {
		return models.Conflictf("ballots are only available in parallel-ballot mode")
	}

	store := NewStore(ac.DB)
	items, err := store.Items(ac.Activity.ID)
	if err != nil {
		return err
	}
	ballots, err := store.ActorBallots(ac.Activity.ID, ac.Actor.ID)
	if err != nil {
		return err
	}

	if !cfg.AllowUnsortedSubmission {
		unsorted, err := store.EnsureUnsorted(ac.Activity.ID)
		if err != nil {
			return err
		}
		placed := make(map[string]string, len(ballots))
		for _, b := range ballots {
			placed[b.ItemID] = b.BucketID
		}
		for _, item := range items {
			bucketID, ok := placed[item.ID]
			if !ok || bucketID == unsorted.ID {
				return models.Conflictf("every item must be sorted before submitting")
			}
		}
	}

	if err := store.markSubmitted(ac.Activity.ID, ac.Actor.ID); err != nil {
		return err
	}
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "ballot.submit", nil); err != nil {
		return err
	}
	publish(ctx, ac, "categorize.ballot.submit", nil)
	return nil
}

// ResolveFinal writes the facilitator's resolved placement for a
// disputed item; when present it overrides the displayed assignment.
func ResolveFinal(ctx context.Context, ac *registry.ActivityContext, itemID, bucketID string) error {
	if err := requirePrivileged(ac); err != nil {
		return err
	}
	if err := requireUnlocked(ac); err != nil {
		return err
	}

	store := NewStore(ac.DB)
	if _, err := store.ItemByID(ac.Activity.ID, itemID); err != nil {
		return err
	}
	if _, err := store.BucketByID(ac.Activity.ID, bucketID); err != nil {
		return err
	}
	if err := store.upsertFinal(ac.Activity.ID, itemID, bucketID, ac.Actor.ID); err != nil {
		return err
	}
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "final.resolve", map[string]any{"item_id": itemID, "bucket_id": bucketID}); err != nil {
		return err
	}
	publish(ctx, ac, "categorize.final.resolve", map[string]any{"item_id": itemID, "bucket_id": bucketID})
	return nil
}

// Lock freezes all ballot/assignment/bucket mutation and snapshots
// finalization metadata into the activity config.
func Lock(ctx context.Context, ac *registry.ActivityContext) error {
	if err := requirePrivileged(ac); err != nil {
		return err
	}
	if ac.Activity.Locked {
		return models.Conflictf("activity is already locked")
	}
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return err
	}

	store := NewStore(ac.DB)
	submitted, err := store.SubmittedActorCount(ac.Activity.ID)
	if err != nil {
		return err
	}
	agreement, err := Agreement(ac)
	if err != nil {
		return err
	}
	disputed := 0
	for _, m := range agreement {
		if m.Status == models.ConsensusDisputed {
			disputed++
		}
	}

	updated := ac.Activity.Config
	if updated == nil {
		updated = map[string]any{}
	}
	updated["finalization"] = map[string]any{
		"mode":                cfg.Mode,
		"agreement_threshold": cfg.AgreementThreshold,
		"minimum_ballots":     cfg.MinimumBallots,
		"submitted_ballots":   submitted,
		"disputed_items":      disputed,
		"locked_at":           time.Now().UTC().Format(time.RFC3339),
		"locked_by":           ac.Actor.ID,
	}
	if err := ac.SaveConfig(updated); err != nil {
		return err
	}
	if _, err := ac.DB.Exec(`UPDATE activity SET locked = TRUE WHERE id = $1`, ac.Activity.ID); err != nil {
		return &models.TransientStoreError{Message: "failed to lock activity", Err: err}
	}
	ac.Activity.Locked = true

	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "activity.lock", map[string]any{"disputed_items": disputed}); err != nil {
		return err
	}
	publish(ctx, ac, "categorize.lock", map[string]any{"disputed_items": disputed})
	return nil
}

// Unlock reopens a locked activity for further mutation. The
// finalization snapshot from the prior lock is kept for the audit
// trail; the next lock overwrites it.
func Unlock(ctx context.Context, ac *registry.ActivityContext) error {
	if err := requirePrivileged(ac); err != nil {
		return err
	}
	if !ac.Activity.Locked {
		return models.Conflictf("activity is not locked")
	}

	if _, err := ac.DB.Exec(`UPDATE activity SET locked = FALSE WHERE id = $1`, ac.Activity.ID); err != nil {
		return &models.TransientStoreError{Message: "failed to unlock activity", Err: err}
	}
	ac.Activity.Locked = false

	store := NewStore(ac.DB)
	if err := store.appendAudit(ac.Activity.ID, ac.Actor.ID, "activity.unlock", nil); err != nil {
		return err
	}
	publish(ctx, ac, "categorize.unlock", nil)
	return nil
}

// Agreement computes the per-item consensus metric over submitted
// ballots. Items with zero submitted ballots are absent from the
// result: not yet assessed, not zero-margin disputed.
func Agreement(ac *registry.ActivityContext) (map[string]models.ItemAgreement, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return nil, err
	}

	store := NewStore(ac.DB)
	ballots, err := store.SubmittedBallots(ac.Activity.ID)
	if err != nil {
		return nil, err
	}

	byItem := make(map[string]map[string]int)
	for _, b := range ballots {
		if byItem[b.ItemID] == nil {
			byItem[b.ItemID] = make(map[string]int)
		}
		byItem[b.ItemID][b.BucketID]++
	}

	metrics := make(map[string]models.ItemAgreement, len(byItem))
	for itemID, counts := range byItem {
		metrics[itemID] = scoreItem(itemID, counts, cfg)
	}
	return metrics, nil
}

func scoreItem(itemID string, counts map[string]int, cfg Config) models.ItemAgreement {
	type bucketCount struct {
		bucketID string
		votes    int
	}
	ranked := make([]bucketCount, 0, len(counts))
	total := 0
	for bucketID, n := range counts {
		ranked = append(ranked, bucketCount{bucketID, n})
		total += n
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].votes != ranked[j].votes {
			return ranked[i].votes > ranked[j].votes
		}
		return ranked[i].bucketID < ranked[j].bucketID
	})

	m := models.ItemAgreement{
		ItemID:      itemID,
		TotalVotes:  total,
		TopBucketID: ranked[0].bucketID,
		TopShare:    round3(float64(ranked[0].votes) / float64(total)),
	}
	if len(ranked) > 1 {
		m.SecondShare = round3(float64(ranked[1].votes) / float64(total))
	}
	m.Margin = round3(m.TopShare - m.SecondShare)

	if total >= cfg.MinimumBallots && m.Margin >= cfg.AgreementThreshold {
		m.Status = models.ConsensusAgreed
	} else {
		m.Status = models.ConsensusDisputed
	}
	return m
}

// Shares are reported to three decimals; the margin is computed from
// the reported shares so displayed numbers always reconcile.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// ItemView is one item with its displayed placement.
type ItemView struct {
	Item      models.CategorizationItem `json:"item"`
	BucketID  string                    `json:"bucket_id"`
	Resolved  bool                      `json:"resolved"`
	OwnBallot *models.CatBallot         `json:"own_ballot,omitempty"`
}

// BoardView is the categorization state as seen by the acting user.
type BoardView struct {
	Mode             string                          `json:"mode"`
	Buckets          []models.Bucket                 `json:"buckets"`
	Items            []ItemView                      `json:"items"`
	Agreement        map[string]models.ItemAgreement `json:"agreement,omitempty"`
	SubmittedActors  int                             `json:"submitted_actors"`
	MetricsVisible   bool                            `json:"metrics_visible"`
	Locked           bool                            `json:"locked"`
	OwnSubmitted     bool                            `json:"own_submitted"`
	UnsortedBucketID string                          `json:"unsorted_bucket_id"`
}

// View assembles the board for the acting user. The displayed placement
// is the final assignment when one exists, the live assignment
// otherwise. Aggregate metrics show to privileged viewers always, and
// to participants once results are revealed or the activity is locked.
func View(_ context.Context, ac *registry.ActivityContext) (BoardView, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return BoardView{}, err
	}

	store := NewStore(ac.DB)
	unsorted, err := store.EnsureUnsorted(ac.Activity.ID)
	if err != nil {
		return BoardView{}, err
	}
	buckets, err := store.Buckets(ac.Activity.ID)
	if err != nil {
		return BoardView{}, err
	}
	items, err := store.Items(ac.Activity.ID)
	if err != nil {
		return BoardView{}, err
	}
	placements, err := store.Assignments(ac.Activity.ID)
	if err != nil {
		return BoardView{}, err
	}
	finals, err := store.Finals(ac.Activity.ID)
	if err != nil {
		return BoardView{}, err
	}

	view := BoardView{
		Mode:             cfg.Mode,
		Buckets:          buckets,
		Locked:           ac.Activity.Locked,
		UnsortedBucketID: unsorted.ID,
	}

	var ownByItem map[string]models.CatBallot
	if cfg.Mode == ModeParallelBallot {
		own, err := store.ActorBallots(ac.Activity.ID, ac.Actor.ID)
		if err != nil {
			return BoardView{}, err
		}
		ownByItem = make(map[string]models.CatBallot, len(own))
		for _, b := range own {
			ownByItem[b.ItemID] = b
			if b.Submitted {
				view.OwnSubmitted = true
			}
		}
		view.SubmittedActors, err = store.SubmittedActorCount(ac.Activity.ID)
		if err != nil {
			return BoardView{}, err
		}
	}

	for _, item := range items {
		iv := ItemView{Item: item, BucketID: unsorted.ID}
		if bucketID, ok := placements[item.ID]; ok {
			iv.BucketID = bucketID
		}
		if f, ok := finals[item.ID]; ok {
			iv.BucketID = f.BucketID
			iv.Resolved = true
		}
		if b, ok := ownByItem[item.ID]; ok {
			ballot := b
			iv.OwnBallot = &ballot
		}
		view.Items = append(view.Items, iv)
	}

	if cfg.Mode == ModeParallelBallot {
		revealed := !cfg.PrivateUntilReveal || cfg.ResultsRevealed
		view.MetricsVisible = ac.Actor.Privileged() || revealed || ac.Activity.Locked
		if view.MetricsVisible {
			view.Agreement, err = Agreement(ac)
			if err != nil {
				return BoardView{}, err
			}
		}
	}
	return view, nil
}
