package categorize

import (
	"context"
	"database/sql"
	"strconv"
	"testing"

	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/bundles"
	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/registry"
	"github.com/danielhkuo/facilitator/testutil"
)

func newContext(t *testing.T, conn *sql.DB, actor models.Actor, config map[string]any) *registry.ActivityContext {
	t.Helper()

	session := testutil.CreateTestSession(t, conn)
	activity := testutil.CreateTestActivity(t, conn, session.ID, ToolType, 0, config)
	return &registry.ActivityContext{
		DB:       conn,
		Session:  session,
		Activity: activity,
		Bundles:  bundles.NewStore(conn),
		Actor:    actor,
		Events:   broadcast.Nop{},
	}
}

func as(ac *registry.ActivityContext, actor models.Actor) *registry.ActivityContext {
	clone := *ac
	clone.Actor = actor
	return &clone
}

// seedItems inserts items directly, bypassing the open hook.
func seedItems(t *testing.T, ac *registry.ActivityContext, contents ...string) []models.CategorizationItem {
	t.Helper()

	store := NewStore(ac.DB)
	unsorted, err := store.EnsureUnsorted(ac.Activity.ID)
	if err != nil {
		t.Fatalf("EnsureUnsorted failed: %v", err)
	}
	items := make([]models.CategorizationItem, 0, len(contents))
	for i, content := range contents {
		id, _ := identity.GenerateID(16)
		item := models.CategorizationItem{
			ID:         id,
			ActivityID: ac.Activity.ID,
			ItemKey:    strconv.Itoa(i),
			Content:    content,
			Position:   i,
		}
		if err := store.insertItem(item, unsorted.ID); err != nil {
			t.Fatalf("insertItem failed: %v", err)
		}
		items = append(items, item)
	}
	return items
}

func mustCreateBucket(t *testing.T, ac *registry.ActivityContext, label string) models.Bucket {
	t.Helper()

	b, err := CreateBucket(context.Background(), as(ac, testutil.Facilitator("f1")), label)
	if err != nil {
		t.Fatalf("CreateBucket(%s) failed: %v", label, err)
	}
	return b
}

func TestBucketCRUDRequiresFacilitator(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"), nil)

	if _, err := CreateBucket(context.Background(), ac, "Themes"); !models.IsConflict(err) {
		t.Errorf("participant CreateBucket: got %v, want conflict", err)
	}
}

func TestCreateBucketValidation(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), nil)

	if _, err := CreateBucket(context.Background(), ac, "  "); !models.IsValidation(err) {
		t.Errorf("blank label: got %v, want validation", err)
	}
	if _, err := CreateBucket(context.Background(), ac, models.UnsortedBucket); !models.IsValidation(err) {
		t.Errorf("reserved label: got %v, want validation", err)
	}

	if _, err := CreateBucket(context.Background(), ac, "Themes"); err != nil {
		t.Fatalf("CreateBucket failed: %v", err)
	}
	if _, err := CreateBucket(context.Background(), ac, "Themes"); !models.IsConflict(err) {
		t.Errorf("duplicate label: got %v, want conflict", err)
	}
}

func TestReservedBucketCannotBeEditedOrDeleted(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), nil)

	unsorted, err := NewStore(conn).EnsureUnsorted(ac.Activity.ID)
	if err != nil {
		t.Fatalf("EnsureUnsorted failed: %v", err)
	}
	if err := RenameBucket(context.Background(), ac, unsorted.ID, "Renamed"); !models.IsConflict(err) {
		t.Errorf("rename reserved: got %v, want conflict", err)
	}
	if err := DeleteBucket(context.Background(), ac, unsorted.ID); !models.IsConflict(err) {
		t.Errorf("delete reserved: got %v, want conflict", err)
	}
}

func TestDeleteBucketRemapsReferences(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), map[string]any{
		"mode": ModeParallelBallot,
	})
	items := seedItems(t, ac, "One", "Two")
	doomed := mustCreateBucket(t, ac, "Doomed")

	store := NewStore(conn)
	// Two live assignments and one ballot point at the doomed bucket.
	for _, item := range items {
		if err := store.upsertAssignment(ac.Activity.ID, item.ID, doomed.ID); err != nil {
			t.Fatalf("upsertAssignment failed: %v", err)
		}
	}
	if err := SetBallot(context.Background(), as(ac, testutil.Participant("p1")), items[0].ID, doomed.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}

	if err := DeleteBucket(context.Background(), ac, doomed.ID); err != nil {
		t.Fatalf("DeleteBucket failed: %v", err)
	}

	unsorted, _ := store.EnsureUnsorted(ac.Activity.ID)
	placements, err := store.Assignments(ac.Activity.ID)
	if err != nil {
		t.Fatalf("Assignments failed: %v", err)
	}
	for _, item := range items {
		if placements[item.ID] != unsorted.ID {
			t.Errorf("item %s assignment = %s, want UNSORTED", item.ID, placements[item.ID])
		}
	}
	ballots, err := store.AllBallots(ac.Activity.ID)
	if err != nil {
		t.Fatalf("AllBallots failed: %v", err)
	}
	if len(ballots) != 1 || ballots[0].BucketID != unsorted.ID {
		t.Errorf("ballot should point at UNSORTED: %+v", ballots)
	}
	if _, err := store.BucketByID(ac.Activity.ID, doomed.ID); !models.IsNotFound(err) {
		t.Errorf("bucket row should be gone, got %v", err)
	}
}

func TestMoveItemFacilitatorLiveOnly(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), nil)
	items := seedItems(t, ac, "One")
	target := mustCreateBucket(t, ac, "Target")

	if err := MoveItem(context.Background(), ac, items[0].ID, target.ID); err != nil {
		t.Fatalf("MoveItem failed: %v", err)
	}
	placements, _ := NewStore(conn).Assignments(ac.Activity.ID)
	if placements[items[0].ID] != target.ID {
		t.Errorf("placement = %s, want %s", placements[items[0].ID], target.ID)
	}

	// Participants cannot move, and ballots are the wrong verb in this mode.
	if err := MoveItem(context.Background(), as(ac, testutil.Participant("p1")), items[0].ID, target.ID); !models.IsConflict(err) {
		t.Errorf("participant move: got %v, want conflict", err)
	}
	if err := SetBallot(context.Background(), as(ac, testutil.Participant("p1")), items[0].ID, target.ID); !models.IsConflict(err) {
		t.Errorf("ballot in live mode: got %v, want conflict", err)
	}
}

func TestMoveItemUnknownTargets(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), nil)
	items := seedItems(t, ac, "One")
	target := mustCreateBucket(t, ac, "Target")

	if err := MoveItem(context.Background(), ac, "ghost", target.ID); !models.IsNotFound(err) {
		t.Errorf("unknown item: got %v, want not found", err)
	}
	if err := MoveItem(context.Background(), ac, items[0].ID, "ghost"); !models.IsNotFound(err) {
		t.Errorf("unknown bucket: got %v, want not found", err)
	}
}

func TestBallotModeGuards(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), map[string]any{
		"mode": ModeParallelBallot,
	})
	items := seedItems(t, ac, "One")
	target := mustCreateBucket(t, ac, "Target")

	if err := MoveItem(context.Background(), ac, items[0].ID, target.ID); !models.IsConflict(err) {
		t.Errorf("direct move in ballot mode: got %v, want conflict", err)
	}
	if err := SetBallot(context.Background(), as(ac, testutil.Participant("p1")), items[0].ID, target.ID); err != nil {
		t.Errorf("SetBallot failed: %v", err)
	}
}

func TestSubmitGateOnUnsortedItems(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"), map[string]any{
		"mode": ModeParallelBallot,
	})
	items := seedItems(t, ac, "One", "Two")
	target := mustCreateBucket(t, ac, "Target")

	// Only one of two items is sorted.
	if err := SetBallot(context.Background(), ac, items[0].ID, target.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}
	if err := SubmitBallots(context.Background(), ac); !models.IsConflict(err) {
		t.Errorf("partial submit: got %v, want conflict", err)
	}

	if err := SetBallot(context.Background(), ac, items[1].ID, target.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}
	if err := SubmitBallots(context.Background(), ac); err != nil {
		t.Errorf("complete submit failed: %v", err)
	}
}

func TestSubmitAllowedWithUnsortedWhenConfigured(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"), map[string]any{
		"mode":                      ModeParallelBallot,
		"allow_unsorted_submission": true,
	})
	items := seedItems(t, ac, "One", "Two")
	target := mustCreateBucket(t, ac, "Target")

	if err := SetBallot(context.Background(), ac, items[0].ID, target.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}
	if err := SubmitBallots(context.Background(), ac); err != nil {
		t.Errorf("submit with unsorted items failed: %v", err)
	}
}

func TestBallotChangeRevokesSubmission(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"), map[string]any{
		"mode":                      ModeParallelBallot,
		"allow_unsorted_submission": true,
	})
	items := seedItems(t, ac, "One")
	first := mustCreateBucket(t, ac, "First")
	second := mustCreateBucket(t, ac, "Second")

	if err := SetBallot(context.Background(), ac, items[0].ID, first.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}
	if err := SubmitBallots(context.Background(), ac); err != nil {
		t.Fatalf("SubmitBallots failed: %v", err)
	}
	if err := SetBallot(context.Background(), ac, items[0].ID, second.ID); err != nil {
		t.Fatalf("re-ballot failed: %v", err)
	}

	ballots, _ := NewStore(conn).ActorBallots(ac.Activity.ID, "p1")
	if len(ballots) != 1 || ballots[0].Submitted {
		t.Errorf("changed ballot should drop the submitted flag: %+v", ballots)
	}
}

func TestAgreementMargin(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), map[string]any{
		"mode":                ModeParallelBallot,
		"agreement_threshold": 0.3,
		"minimum_ballots":     2,
	})
	items := seedItems(t, ac, "One")
	b1 := mustCreateBucket(t, ac, "Alpha")
	b2 := mustCreateBucket(t, ac, "Beta")
	mustCreateBucket(t, ac, "Gamma")

	ballot := func(actor, bucketID string) {
		t.Helper()
		pac := as(ac, testutil.Participant(actor))
		if err := SetBallot(context.Background(), pac, items[0].ID, bucketID); err != nil {
			t.Fatalf("SetBallot failed: %v", err)
		}
		if err := SubmitBallots(context.Background(), pac); err != nil {
			t.Fatalf("SubmitBallots failed: %v", err)
		}
	}
	// 2-1-0 split across three buckets.
	ballot("p1", b1.ID)
	ballot("p2", b1.ID)
	ballot("p3", b2.ID)

	metrics, err := Agreement(ac)
	if err != nil {
		t.Fatalf("Agreement failed: %v", err)
	}
	m, ok := metrics[items[0].ID]
	if !ok {
		t.Fatal("item has no agreement entry")
	}
	if m.TopShare != 0.667 || m.SecondShare != 0.333 || m.Margin != 0.334 {
		t.Errorf("shares = %v/%v margin %v, want 0.667/0.333/0.334", m.TopShare, m.SecondShare, m.Margin)
	}
	if m.TopBucketID != b1.ID || m.TotalVotes != 3 {
		t.Errorf("top bucket %s votes %d, want %s/3", m.TopBucketID, m.TotalVotes, b1.ID)
	}
	if m.Status != models.ConsensusAgreed {
		t.Errorf("status = %s, want AGREED at threshold 0.3", m.Status)
	}
}

func TestAgreementFlipsWithThreshold(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), map[string]any{
		"mode":                ModeParallelBallot,
		"agreement_threshold": 0.5,
		"minimum_ballots":     2,
	})
	items := seedItems(t, ac, "One")
	b1 := mustCreateBucket(t, ac, "Alpha")
	b2 := mustCreateBucket(t, ac, "Beta")

	for actor, bucketID := range map[string]string{"p1": b1.ID, "p2": b1.ID, "p3": b2.ID} {
		pac := as(ac, testutil.Participant(actor))
		if err := SetBallot(context.Background(), pac, items[0].ID, bucketID); err != nil {
			t.Fatalf("SetBallot failed: %v", err)
		}
		if err := SubmitBallots(context.Background(), pac); err != nil {
			t.Fatalf("SubmitBallots failed: %v", err)
		}
	}

	metrics, err := Agreement(ac)
	if err != nil {
		t.Fatalf("Agreement failed: %v", err)
	}
	if got := metrics[items[0].ID].Status; got != models.ConsensusDisputed {
		t.Errorf("status = %s, want DISPUTED at threshold 0.5", got)
	}
}

func TestAgreementSkipsUnvotedItems(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), map[string]any{
		"mode":                      ModeParallelBallot,
		"allow_unsorted_submission": true,
	})
	items := seedItems(t, ac, "Voted", "Ignored")
	target := mustCreateBucket(t, ac, "Target")

	pac := as(ac, testutil.Participant("p1"))
	if err := SetBallot(context.Background(), pac, items[0].ID, target.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}
	if err := SubmitBallots(context.Background(), pac); err != nil {
		t.Fatalf("SubmitBallots failed: %v", err)
	}

	metrics, err := Agreement(ac)
	if err != nil {
		t.Fatalf("Agreement failed: %v", err)
	}
	if _, present := metrics[items[1].ID]; present {
		t.Error("unvoted item should have no metric entry, not a degenerate one")
	}
	if _, present := metrics[items[0].ID]; !present {
		t.Error("voted item missing from metrics")
	}
}

func TestAgreementIgnoresUnsubmittedBallots(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), map[string]any{
		"mode": ModeParallelBallot,
	})
	items := seedItems(t, ac, "One")
	target := mustCreateBucket(t, ac, "Target")

	if err := SetBallot(context.Background(), as(ac, testutil.Participant("p1")), items[0].ID, target.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}
	// Never submitted.
	metrics, err := Agreement(ac)
	if err != nil {
		t.Fatalf("Agreement failed: %v", err)
	}
	if len(metrics) != 0 {
		t.Errorf("unsubmitted ballots leaked into metrics: %v", metrics)
	}
}

func TestFinalOverridesDisplayedPlacement(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), nil)
	items := seedItems(t, ac, "One")
	live := mustCreateBucket(t, ac, "Live")
	final := mustCreateBucket(t, ac, "Final")

	if err := MoveItem(context.Background(), ac, items[0].ID, live.ID); err != nil {
		t.Fatalf("MoveItem failed: %v", err)
	}
	if err := ResolveFinal(context.Background(), ac, items[0].ID, final.ID); err != nil {
		t.Fatalf("ResolveFinal failed: %v", err)
	}

	view, err := View(context.Background(), ac)
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if len(view.Items) != 1 {
		t.Fatalf("view items = %d, want 1", len(view.Items))
	}
	if view.Items[0].BucketID != final.ID || !view.Items[0].Resolved {
		t.Errorf("displayed placement = %+v, want final bucket", view.Items[0])
	}
}

func TestLockFreezesAndSnapshotsMetadata(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), map[string]any{
		"mode": ModeParallelBallot,
	})
	items := seedItems(t, ac, "One")
	target := mustCreateBucket(t, ac, "Target")

	pac := as(ac, testutil.Participant("p1"))
	if err := SetBallot(context.Background(), pac, items[0].ID, target.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}
	if err := SubmitBallots(context.Background(), pac); err != nil {
		t.Fatalf("SubmitBallots failed: %v", err)
	}

	if err := Lock(context.Background(), ac); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	cfg := testutil.ActivityConfig(t, conn, ac.Activity.ID)
	snap, ok := cfg["finalization"].(map[string]any)
	if !ok {
		t.Fatalf("no finalization snapshot in config: %v", cfg)
	}
	if snap["mode"] != ModeParallelBallot || snap["locked_by"] != "f1" {
		t.Errorf("snapshot = %v", snap)
	}
	if snap["submitted_ballots"] != float64(1) {
		t.Errorf("submitted_ballots = %v, want 1", snap["submitted_ballots"])
	}

	// Everything mutating is now refused.
	lockedPac := as(ac, testutil.Participant("p1"))
	lockedPac.Activity.Locked = true
	if err := SetBallot(context.Background(), lockedPac, items[0].ID, target.ID); !models.IsConflict(err) {
		t.Errorf("ballot on locked activity: got %v, want conflict", err)
	}
	if _, err := CreateBucket(context.Background(), ac, "Late"); !models.IsConflict(err) {
		t.Errorf("bucket create on locked activity: got %v, want conflict", err)
	}
	if err := Lock(context.Background(), ac); !models.IsConflict(err) {
		t.Errorf("double lock: got %v, want conflict", err)
	}

	// Unlock reopens mutation.
	if err := Unlock(context.Background(), ac); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := CreateBucket(context.Background(), ac, "Late"); err != nil {
		t.Errorf("bucket create after unlock failed: %v", err)
	}
}

func TestMetricsVisibility(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"), map[string]any{
		"mode":                 ModeParallelBallot,
		"private_until_reveal": true,
	})
	items := seedItems(t, ac, "One")
	target := mustCreateBucket(t, ac, "Target")

	if err := SetBallot(context.Background(), ac, items[0].ID, target.ID); err != nil {
		t.Fatalf("SetBallot failed: %v", err)
	}
	if err := SubmitBallots(context.Background(), ac); err != nil {
		t.Fatalf("SubmitBallots failed: %v", err)
	}

	view, err := View(context.Background(), ac)
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if view.MetricsVisible || view.Agreement != nil {
		t.Error("participant should not see metrics before reveal")
	}
	if !view.OwnSubmitted {
		t.Error("OwnSubmitted should be set")
	}

	facView, err := View(context.Background(), as(ac, testutil.Facilitator("f1")))
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if !facView.MetricsVisible || facView.Agreement == nil {
		t.Error("facilitator should always see metrics")
	}

	// Revealing flips participant visibility.
	revealed := as(ac, testutil.Participant("p1"))
	revealed.Activity.Config["results_revealed"] = true
	view, err = View(context.Background(), revealed)
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if !view.MetricsVisible {
		t.Error("participant should see metrics after reveal")
	}
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Facilitator("f1"), nil)
	items := seedItems(t, ac, "One")
	target := mustCreateBucket(t, ac, "Target")

	if err := MoveItem(context.Background(), ac, items[0].ID, target.ID); err != nil {
		t.Fatalf("MoveItem failed: %v", err)
	}

	events, err := NewStore(conn).AuditTrail(ac.Activity.ID)
	if err != nil {
		t.Fatalf("AuditTrail failed: %v", err)
	}
	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	want := map[string]bool{"bucket.create": false, "item.move": false}
	for _, a := range actions {
		if _, tracked := want[a]; tracked {
			want[a] = true
		}
	}
	for action, seen := range want {
		if !seen {
			t.Errorf("audit trail missing %s: %v", action, actions)
		}
	}
	last := events[len(events)-1]
	if last.Action != "item.move" || last.Detail["bucket_id"] != target.ID {
		t.Errorf("last event = %+v", last)
	}
}
