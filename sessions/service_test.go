package sessions

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/danielhkuo/facilitator/autosave"
	"github.com/danielhkuo/facilitator/brainstorm"
	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/dotvote"
	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/rankorder"
	"github.com/danielhkuo/facilitator/registry"
	"github.com/danielhkuo/facilitator/testutil"
)

func newService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()

	conn := testutil.SetupTestDB(t)
	reg := registry.New()
	for _, tool := range []registry.Tool{brainstorm.NewTool(), dotvote.NewTool(), rankorder.NewTool()} {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	reg.Finalize()

	scheduler := autosave.NewScheduler()
	t.Cleanup(scheduler.StopAll)
	return NewService(conn, reg, scheduler, broadcast.Nop{}, 30, "test-salt"), conn
}

func TestSessionLifecycle(t *testing.T) {
	svc, _ := newService(t)
	facilitator := testutil.Facilitator("f1")

	session, err := svc.CreateSession(facilitator, "Retro")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Status != models.SessionDraft {
		t.Errorf("status = %s, want draft", session.Status)
	}

	if err := svc.StartSession(facilitator, session.ID); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	loaded, err := svc.Session(session.ID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if loaded.Status != models.SessionLive {
		t.Errorf("status = %s, want live", loaded.Status)
	}
	if err := svc.StartSession(facilitator, session.ID); !models.IsConflict(err) {
		t.Errorf("double start: got %v, want conflict", err)
	}

	if err := svc.CloseSession(context.Background(), facilitator, session.ID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	loaded, _ = svc.Session(session.ID)
	if loaded.Status != models.SessionClosed {
		t.Errorf("status = %s, want closed", loaded.Status)
	}
}

func TestFacilitatorKeyMintedAtCreation(t *testing.T) {
	svc, _ := newService(t)

	session, err := svc.CreateSession(testutil.Facilitator("f1"), "Retro")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.FacilitatorKey == "" {
		t.Fatal("no facilitator key minted")
	}
	if err := svc.ValidateFacilitatorKey(session.ID, session.FacilitatorKey); err != nil {
		t.Errorf("minted key rejected: %v", err)
	}
	if err := svc.ValidateFacilitatorKey(session.ID, "forged"); !errors.Is(err, identity.ErrInvalidSessionKey) {
		t.Errorf("forged key: got %v, want invalid session key", err)
	}
	if err := svc.ValidateFacilitatorKey("ghost", session.FacilitatorKey); !models.IsNotFound(err) {
		t.Errorf("unknown session: got %v, want not found", err)
	}

	// The key is derived, not persisted; reloads carry an empty one.
	loaded, err := svc.Session(session.ID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if loaded.FacilitatorKey != "" {
		t.Errorf("reload carried a key: %q", loaded.FacilitatorKey)
	}
}

func TestSessionOpsRequireFacilitator(t *testing.T) {
	svc, _ := newService(t)
	participant := testutil.Participant("p1")

	if _, err := svc.CreateSession(participant, "Nope"); !models.IsConflict(err) {
		t.Errorf("CreateSession: got %v, want conflict", err)
	}

	session, _ := svc.CreateSession(testutil.Facilitator("f1"), "Retro")
	if _, err := svc.AddActivity(participant, session.ID, dotvote.ToolType, "", -1, nil); !models.IsConflict(err) {
		t.Errorf("AddActivity: got %v, want conflict", err)
	}
}

func TestAddActivityMergesManifestDefaults(t *testing.T) {
	svc, _ := newService(t)
	facilitator := testutil.Facilitator("f1")
	session, _ := svc.CreateSession(facilitator, "Retro")

	activity, err := svc.AddActivity(facilitator, session.ID, dotvote.ToolType, "", -1, map[string]any{
		"max_votes": 5,
	})
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}
	if activity.Title != "Dot Voting" {
		t.Errorf("title = %q, want manifest label fallback", activity.Title)
	}
	if activity.Config["max_votes"] != 5 {
		t.Errorf("explicit config lost: %v", activity.Config)
	}
	if activity.Config["allow_retract"] != true {
		t.Errorf("manifest default not merged: %v", activity.Config)
	}
	if activity.OrderIndex != 0 || activity.Status != models.ActivityPending {
		t.Errorf("activity = %+v", activity)
	}

	second, err := svc.AddActivity(facilitator, session.ID, rankorder.ToolType, "Prioritize", -1, nil)
	if err != nil {
		t.Fatalf("AddActivity failed: %v", err)
	}
	if second.OrderIndex != 1 {
		t.Errorf("append position = %d, want 1", second.OrderIndex)
	}

	if _, err := svc.AddActivity(facilitator, session.ID, "ghost", "", -1, nil); !models.IsNotFound(err) {
		t.Errorf("unknown tool: got %v, want not found", err)
	}
	if _, err := svc.AddActivity(facilitator, session.ID, dotvote.ToolType, "", 0, nil); !models.IsConflict(err) {
		t.Errorf("taken position: got %v, want conflict", err)
	}
}

// Full agenda flow: ideas collected in a brainstorm feed a dot vote.
func TestAdvanceChainsActivities(t *testing.T) {
	svc, _ := newService(t)
	facilitator := testutil.Facilitator("f1")
	session, _ := svc.CreateSession(facilitator, "Retro")
	first, _ := svc.AddActivity(facilitator, session.ID, brainstorm.ToolType, "", -1, nil)
	second, _ := svc.AddActivity(facilitator, session.ID, dotvote.ToolType, "", -1, nil)

	if _, err := svc.Advance(context.Background(), facilitator, first.ID); err != nil {
		t.Fatalf("Advance(brainstorm) failed: %v", err)
	}
	if !svc.scheduler.Running(first.ID) {
		t.Error("autosave loop should be running after Advance")
	}

	ac, err := svc.ActivityContext(first.ID, testutil.Participant("p1"))
	if err != nil {
		t.Fatalf("ActivityContext failed: %v", err)
	}
	for _, content := range []string{"Faster builds", "Better docs"} {
		if _, err := brainstorm.SubmitIdea(context.Background(), ac, brainstorm.SubmitRequest{Content: content}); err != nil {
			t.Fatalf("SubmitIdea failed: %v", err)
		}
	}

	payload, err := svc.CloseActivity(context.Background(), facilitator, first.ID)
	if err != nil {
		t.Fatalf("CloseActivity failed: %v", err)
	}
	if payload == nil || len(payload.Items) != 2 {
		t.Fatalf("close payload = %+v", payload)
	}
	if svc.scheduler.Running(first.ID) {
		t.Error("autosave loop should stop on close")
	}

	advanced, err := svc.Advance(context.Background(), facilitator, second.ID)
	if err != nil {
		t.Fatalf("Advance(dotvote) failed: %v", err)
	}
	seeded, ok := advanced.Config["options"].([]any)
	if !ok || len(seeded) != 2 {
		t.Fatalf("dot vote should be seeded from brainstorm output: %v", advanced.Config["options"])
	}
	if advanced.Status != models.ActivityOpen {
		t.Errorf("status = %s, want open", advanced.Status)
	}

	// Re-advancing is idempotent: same seeded options, no duplicates.
	again, err := svc.Advance(context.Background(), facilitator, second.ID)
	if err != nil {
		t.Fatalf("re-Advance failed: %v", err)
	}
	if got := len(again.Config["options"].([]any)); got != 2 {
		t.Errorf("re-advance changed the option list to %d entries", got)
	}
}

func TestCloseActivityRequiresOpen(t *testing.T) {
	svc, _ := newService(t)
	facilitator := testutil.Facilitator("f1")
	session, _ := svc.CreateSession(facilitator, "Retro")
	activity, _ := svc.AddActivity(facilitator, session.ID, brainstorm.ToolType, "", -1, nil)

	if _, err := svc.CloseActivity(context.Background(), facilitator, activity.ID); !models.IsConflict(err) {
		t.Errorf("closing a pending activity: got %v, want conflict", err)
	}
}

func TestResetActivity(t *testing.T) {
	svc, conn := newService(t)
	facilitator := testutil.Facilitator("f1")
	session, _ := svc.CreateSession(facilitator, "Retro")
	activity, _ := svc.AddActivity(facilitator, session.ID, dotvote.ToolType, "", -1, map[string]any{
		"options": []any{"Alpha", "Beta"},
	})

	if _, err := svc.Advance(context.Background(), facilitator, activity.ID); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	ac, _ := svc.ActivityContext(activity.ID, testutil.Participant("p1"))
	if _, err := dotvote.Cast(context.Background(), ac, dotvote.CastRequest{OptionID: activity.ID + ":alpha", ClientKey: "k1"}); err != nil {
		t.Fatalf("Cast failed: %v", err)
	}

	if err := svc.ResetActivity(context.Background(), facilitator, activity.ID); err != nil {
		t.Fatalf("ResetActivity failed: %v", err)
	}
	if got := testutil.CountRows(t, conn, "vote", "activity_id", activity.ID); got != 0 {
		t.Errorf("vote rows = %d, want 0 after reset", got)
	}
	if got := testutil.CountRows(t, conn, "idempotency_record", "activity_id", activity.ID); got != 0 {
		t.Errorf("ledger rows = %d, want 0 after reset", got)
	}
	if got := testutil.CountRows(t, conn, "bundle", "activity_id", activity.ID); got != 0 {
		t.Errorf("bundle rows = %d, want 0 after reset", got)
	}
	reloaded, _ := svc.Activity(activity.ID)
	if reloaded.Status != models.ActivityPending {
		t.Errorf("status = %s, want pending", reloaded.Status)
	}
	if svc.scheduler.Running(activity.ID) {
		t.Error("autosave loop should stop on reset")
	}
}

func TestWriteDraftAndBundlePair(t *testing.T) {
	svc, _ := newService(t)
	facilitator := testutil.Facilitator("f1")
	session, _ := svc.CreateSession(facilitator, "Retro")
	activity, _ := svc.AddActivity(facilitator, session.ID, brainstorm.ToolType, "", -1, nil)

	items := []models.BundleItem{{Content: "Draft item"}}
	if _, err := svc.WriteDraft(facilitator, activity.ID, items, nil); err != nil {
		t.Fatalf("WriteDraft failed: %v", err)
	}

	input, draft, err := svc.BundlePair(activity.ID)
	if err != nil {
		t.Fatalf("BundlePair failed: %v", err)
	}
	if input != nil {
		t.Errorf("input = %+v, want nil for the first activity", input)
	}
	if draft == nil || len(draft.Items) != 1 || draft.Items[0].Content != "Draft item" {
		t.Errorf("draft = %+v", draft)
	}
}

func TestCommitTransfer(t *testing.T) {
	svc, _ := newService(t)
	facilitator := testutil.Facilitator("f1")
	session, _ := svc.CreateSession(facilitator, "Retro")
	donor, _ := svc.AddActivity(facilitator, session.ID, brainstorm.ToolType, "", -1, nil)

	if _, err := svc.Advance(context.Background(), facilitator, donor.ID); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	ac, _ := svc.ActivityContext(donor.ID, testutil.Participant("p1"))
	idea, err := brainstorm.SubmitIdea(context.Background(), ac, brainstorm.SubmitRequest{Content: "Idea"})
	if err != nil {
		t.Fatalf("SubmitIdea failed: %v", err)
	}
	if _, err := brainstorm.AddComment(context.Background(), ac, idea.IdeaID, "note"); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	n, err := svc.TransferCount(context.Background(), facilitator, donor.ID)
	if err != nil {
		t.Fatalf("TransferCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("TransferCount = %d, want 1", n)
	}

	target, err := svc.CommitTransfer(context.Background(), facilitator, donor.ID, rankorder.ToolType, "Prioritize", false)
	if err != nil {
		t.Fatalf("CommitTransfer failed: %v", err)
	}
	if target.ToolType != rankorder.ToolType || target.OrderIndex != 1 {
		t.Errorf("target = %+v", target)
	}

	input, _, err := svc.BundlePair(target.ID)
	if err != nil {
		t.Fatalf("BundlePair failed: %v", err)
	}
	if input == nil || len(input.Items) != 1 || input.Items[0].Content != "Idea" {
		t.Fatalf("input = %+v", input)
	}
	if input.Items[0].SourceActivityID != donor.ID {
		t.Errorf("provenance = %q, want donor id", input.Items[0].SourceActivityID)
	}

	donated, err := svc.bundles.Current(donor.ID, models.BundleTransfer)
	if err != nil {
		t.Fatalf("loading transfer bundle failed: %v", err)
	}
	if donated == nil || len(donated.Items) != 1 {
		t.Errorf("transfer record = %+v", donated)
	}

	// Advancing the target seeds its options from the transferred input.
	advanced, err := svc.Advance(context.Background(), facilitator, target.ID)
	if err != nil {
		t.Fatalf("Advance(target) failed: %v", err)
	}
	if seeded, ok := advanced.Config["options"].([]any); !ok || len(seeded) != 1 {
		t.Errorf("target not seeded: %v", advanced.Config["options"])
	}

	// A donor with nothing to give is rejected.
	empty, _ := svc.AddActivity(facilitator, session.ID, brainstorm.ToolType, "Empty", -1, nil)
	if _, err := svc.CommitTransfer(context.Background(), facilitator, empty.ID, dotvote.ToolType, "", false); !models.IsValidation(err) {
		t.Errorf("empty donor: got %v, want validation", err)
	}
}
