package brainstorm

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/bundles"
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/registry"
	"github.com/danielhkuo/facilitator/testutil"
)

func newContext(t *testing.T, conn *sql.DB, actor models.Actor) *registry.ActivityContext {
	t.Helper()

	session := testutil.CreateTestSession(t, conn)
	activity := testutil.CreateTestActivity(t, conn, session.ID, ToolType, 0, nil)
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

func TestSubmitIdea(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"))

	resp, err := SubmitIdea(context.Background(), ac, SubmitRequest{Content: "  Faster onboarding  "})
	if err != nil {
		t.Fatalf("SubmitIdea failed: %v", err)
	}
	if resp.IdeaID == "" {
		t.Fatal("no idea id returned")
	}

	ideas, err := Ideas(conn, ac.Activity.ID)
	if err != nil {
		t.Fatalf("Ideas failed: %v", err)
	}
	if len(ideas) != 1 || ideas[0].Content != "Faster onboarding" {
		t.Errorf("ideas = %+v, want one trimmed entry", ideas)
	}
}

func TestSubmitIdeaValidation(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"))

	if _, err := SubmitIdea(context.Background(), ac, SubmitRequest{Content: "   "}); !models.IsValidation(err) {
		t.Errorf("blank content: got %v, want validation", err)
	}

	ac.Activity.Locked = true
	if _, err := SubmitIdea(context.Background(), ac, SubmitRequest{Content: "Late"}); !models.IsConflict(err) {
		t.Errorf("locked activity: got %v, want conflict", err)
	}
}

func TestSubmitIdeaReplaysOnSameClientKey(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"))

	req := SubmitRequest{Content: "One idea", ClientKey: "retry-1"}
	first, err := SubmitIdea(context.Background(), ac, req)
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	second, err := SubmitIdea(context.Background(), ac, req)
	if err != nil {
		t.Fatalf("retried submit failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("replay differs (-first +retry):\n%s", diff)
	}
	if got := testutil.CountRows(t, conn, "idea", "activity_id", ac.Activity.ID); got != 1 {
		t.Errorf("idea rows = %d, want 1", got)
	}

	_, err = SubmitIdea(context.Background(), ac, SubmitRequest{Content: "Different idea", ClientKey: "retry-1"})
	if !models.IsConflict(err) {
		t.Errorf("key reuse with different payload: got %v, want conflict", err)
	}
}

func TestAddComment(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"))

	idea, err := SubmitIdea(context.Background(), ac, SubmitRequest{Content: "Idea"})
	if err != nil {
		t.Fatalf("SubmitIdea failed: %v", err)
	}
	commentID, err := AddComment(context.Background(), as(ac, testutil.Participant("p2")), idea.IdeaID, "Love it")
	if err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if commentID == "" {
		t.Fatal("no comment id returned")
	}

	comments, err := Comments(conn, ac.Activity.ID)
	if err != nil {
		t.Fatalf("Comments failed: %v", err)
	}
	if len(comments[idea.IdeaID]) != 1 || comments[idea.IdeaID][0].Content != "Love it" {
		t.Errorf("comments = %+v", comments)
	}

	if _, err := AddComment(context.Background(), ac, "ghost", "orphan"); !models.IsNotFound(err) {
		t.Errorf("comment on unknown idea: got %v, want not found", err)
	}
	if _, err := AddComment(context.Background(), ac, idea.IdeaID, "  "); !models.IsValidation(err) {
		t.Errorf("blank comment: got %v, want validation", err)
	}
}

func TestCloseBundlesIdeasWithComments(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"))

	first, err := SubmitIdea(context.Background(), ac, SubmitRequest{Content: "First"})
	if err != nil {
		t.Fatalf("SubmitIdea failed: %v", err)
	}
	if _, err := SubmitIdea(context.Background(), as(ac, testutil.Participant("p2")), SubmitRequest{Content: "Second"}); err != nil {
		t.Fatalf("SubmitIdea failed: %v", err)
	}
	if _, err := AddComment(context.Background(), ac, first.IdeaID, "a"); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}
	if _, err := AddComment(context.Background(), ac, first.IdeaID, "b"); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	payload, err := NewTool().Close(context.Background(), ac)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if payload == nil || len(payload.Items) != 2 {
		t.Fatalf("payload = %+v, want 2 items", payload)
	}
	if payload.Items[0].Content != "First" || len(payload.Items[0].Children) != 2 {
		t.Errorf("first item = %+v, want 2 children", payload.Items[0])
	}
	if payload.Items[0].Children[0].Content != "a" || payload.Items[0].Children[1].Content != "b" {
		t.Errorf("children out of order: %+v", payload.Items[0].Children)
	}
	if !strings.Contains(payload.Summary, "2 ideas") || !strings.Contains(payload.Summary, "2 comments") {
		t.Errorf("summary = %q", payload.Summary)
	}

	stored, err := ac.Bundles.Current(ac.Activity.ID, models.BundleOutput)
	if err != nil {
		t.Fatalf("loading output bundle failed: %v", err)
	}
	if stored == nil || stored.ID != payload.BundleID {
		t.Errorf("output bundle not persisted: %v", stored)
	}
}

func TestCloseWithoutIdeas(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"))

	payload, err := NewTool().Close(context.Background(), ac)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if payload != nil {
		t.Errorf("nothing to finalize, got %+v", payload)
	}
}

func TestTransferSourceCommentToggle(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"))
	tool := NewTool()

	idea, err := SubmitIdea(context.Background(), ac, SubmitRequest{Content: "Idea"})
	if err != nil {
		t.Fatalf("SubmitIdea failed: %v", err)
	}
	if _, err := AddComment(context.Background(), ac, idea.IdeaID, "note"); err != nil {
		t.Fatalf("AddComment failed: %v", err)
	}

	bare, err := tool.TransferSource(context.Background(), ac, false)
	if err != nil {
		t.Fatalf("TransferSource failed: %v", err)
	}
	if len(bare.Items) != 1 || len(bare.Items[0].Children) != 0 {
		t.Errorf("without comments = %+v", bare.Items)
	}

	full, err := tool.TransferSource(context.Background(), ac, true)
	if err != nil {
		t.Fatalf("TransferSource failed: %v", err)
	}
	if len(full.Items[0].Children) != 1 {
		t.Errorf("with comments = %+v", full.Items)
	}

	n, err := tool.TransferCount(context.Background(), ac)
	if err != nil {
		t.Fatalf("TransferCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("TransferCount = %d, want 1", n)
	}
}

func TestSnapshot(t *testing.T) {
	conn := testutil.SetupTestDB(t)
	ac := newContext(t, conn, testutil.Participant("p1"))

	draft, err := NewTool().Snapshot(context.Background(), ac)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if draft != nil {
		t.Errorf("empty activity should snapshot to nil, got %+v", draft)
	}

	if _, err := SubmitIdea(context.Background(), ac, SubmitRequest{Content: "Idea"}); err != nil {
		t.Fatalf("SubmitIdea failed: %v", err)
	}
	draft, err = NewTool().Snapshot(context.Background(), ac)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if draft == nil || len(draft.Items) != 1 || draft.Metadata["idea_count"] != 1 {
		t.Errorf("draft = %+v", draft)
	}
}

func TestManifestPolicyNormalized(t *testing.T) {
	m := NewTool().Manifest()
	p, ok := m.ReliabilityPolicy["idea"]
	if !ok {
		t.Fatal("no reliability policy declared for idea")
	}
	if p.MaxRetries != models.DefaultMaxRetries || p.IdempotencyHeaderName != models.DefaultIdempotencyHdr {
		t.Errorf("policy not normalized: %+v", p)
	}
	if len(p.RetryableStatuses) == 0 {
		t.Errorf("no retryable statuses: %+v", p)
	}
}
