// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package sessions orchestrates the agenda: session and activity CRUD,
advancing an activity (derive input, open the tool, start autosave),
closing it (finalize output, stop autosave), resets, and committing
transfers between activities of different types.
*/
package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/danielhkuo/facilitator/autosave"
	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/bundles"
	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/registry"
)

// Service owns agenda orchestration for all sessions in the process.
type Service struct {
	db              *sql.DB
	bundles         *bundles.Store
	pipeline        *bundles.Pipeline
	registry        *registry.Registry
	scheduler       *autosave.Scheduler
	events          broadcast.Sink
	autosaveDefault int
	keySalt         string
}

func NewService(db *sql.DB, reg *registry.Registry, scheduler *autosave.Scheduler, events broadcast.Sink, autosaveDefault int, keySalt string) *Service {
	store := bundles.NewStore(db)
	if events == nil {
		events = broadcast.Nop{}
	}
	return &Service{
		db:              db,
		bundles:         store,
		pipeline:        bundles.NewPipeline(db, store),
		registry:        reg,
		scheduler:       scheduler,
		events:          events,
		autosaveDefault: autosaveDefault,
		keySalt:         keySalt,
	}
}

// CreateSession creates a draft session owned by the acting facilitator.
// The returned session carries the freshly minted facilitator key; it is
// derived, not stored, so this is the caller's one chance to hand it out.
func (s *Service) CreateSession(actor models.Actor, title string) (models.Session, error) {
	if !actor.Privileged() {
		return models.Session{}, models.Conflictf("facilitator role required")
	}
	if title == "" {
		return models.Session{}, models.Validationf("session title is empty")
	}

	id, err := identity.GenerateID(16)
	if err != nil {
		return models.Session{}, err
	}
	session := models.Session{
		ID:          id,
		Title:       title,
		Facilitator: actor.ID,
		Status:      models.SessionDraft,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO session (id, title, facilitator, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.Title, session.Facilitator, session.Status, session.CreatedAt)
	if err != nil {
		return models.Session{}, &models.TransientStoreError{Message: "failed to create session", Err: err}
	}
	session.FacilitatorKey = identity.GenerateSessionKey(session.ID, s.keySalt)
	return session, nil
}

// ValidateFacilitatorKey checks a presented facilitator key against the
// session it claims. The embedding transport calls this before treating
// a caller as privileged.
func (s *Service) ValidateFacilitatorKey(sessionID, key string) error {
	if _, err := s.Session(sessionID); err != nil {
		return err
	}
	return identity.ValidateSessionKey(sessionID, key, s.keySalt)
}

// StartSession moves a draft session to live.
func (s *Service) StartSession(actor models.Actor, sessionID string) error {
	if !actor.Privileged() {
		return models.Conflictf("facilitator role required")
	}
	session, err := s.Session(sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionDraft {
		return models.Conflictf("session is not in draft")
	}
	return s.setSessionStatus(sessionID, models.SessionLive)
}

// CloseSession finalizes every open activity, stops their autosave
// loops, and closes the session.
func (s *Service) CloseSession(ctx context.Context, actor models.Actor, sessionID string) error {
	if !actor.Privileged() {
		return models.Conflictf("facilitator role required")
	}
	session, err := s.Session(sessionID)
	if err != nil {
		return err
	}
	if session.Status == models.SessionClosed {
		return models.Conflictf("session is already closed")
	}

	activities, err := s.Agenda(sessionID)
	if err != nil {
		return err
	}
	for _, activity := range activities {
		if activity.Status != models.ActivityOpen {
			continue
		}
		if _, err := s.CloseActivity(ctx, actor, activity.ID); err != nil {
			slog.Warn("failed to close activity during session close",
				"error", err, "activity_id", activity.ID, "session_id", sessionID)
		}
	}
	return s.setSessionStatus(sessionID, models.SessionClosed)
}

// TearDownSession deletes the session row and everything it owns:
// activities cascade, bundles are removed explicitly.
func (s *Service) TearDownSession(actor models.Actor, sessionID string) error {
	if !actor.Privileged() {
		return models.Conflictf("facilitator role required")
	}
	if _, err := s.Session(sessionID); err != nil {
		return err
	}

	activities, err := s.Agenda(sessionID)
	if err != nil {
		return err
	}
	for _, activity := range activities {
		s.scheduler.Stop(activity.ID)
	}
	if err := s.bundles.DeleteForSession(sessionID); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM session WHERE id = $1`, sessionID); err != nil {
		return &models.TransientStoreError{Message: "failed to delete session", Err: err}
	}
	return nil
}

// Session loads one session row.
func (s *Service) Session(sessionID string) (models.Session, error) {
	var session models.Session
	err := s.db.QueryRow(`
		SELECT id, title, facilitator, status, created_at
		FROM session WHERE id = $1
	`, sessionID).Scan(&session.ID, &session.Title, &session.Facilitator, &session.Status, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Session{}, models.NotFoundf("session not found: " + sessionID)
	}
	if err != nil {
		return models.Session{}, &models.TransientStoreError{Message: "failed to load session", Err: err}
	}
	return session, nil
}

// Agenda lists the session's activities in agenda order.
func (s *Service) Agenda(sessionID string) ([]models.Activity, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, tool_type, title, order_index, config, status, locked, created_at
		FROM activity WHERE session_id = $1
		ORDER BY order_index ASC
	`, sessionID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to load agenda", Err: err}
	}
	defer rows.Close()

	var agenda []models.Activity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		agenda = append(agenda, activity)
	}
	return agenda, rows.Err()
}

// Activity loads one activity row.
func (s *Service) Activity(activityID string) (models.Activity, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, tool_type, title, order_index, config, status, locked, created_at
		FROM activity WHERE id = $1
	`, activityID)
	activity, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return models.Activity{}, models.NotFoundf("activity not found: " + activityID)
	}
	if err != nil {
		return models.Activity{}, err
	}
	return activity, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (models.Activity, error) {
	var activity models.Activity
	var cfgJSON string
	err := row.Scan(&activity.ID, &activity.SessionID, &activity.ToolType, &activity.Title,
		&activity.OrderIndex, &cfgJSON, &activity.Status, &activity.Locked, &activity.CreatedAt)
	if err != nil {
		return models.Activity{}, err
	}
	activity.Config = map[string]any{}
	if cfgJSON != "" {
		if err := json.Unmarshal([]byte(cfgJSON), &activity.Config); err != nil {
			return models.Activity{}, &models.TransientStoreError{Message: "corrupt activity config", Err: err}
		}
	}
	return activity, nil
}

// AddActivity appends a tool instance to the agenda. The tool's
// manifest defaults are merged under the caller's config so explicit
// settings always win. Position -1 appends.
func (s *Service) AddActivity(actor models.Actor, sessionID, toolType, title string, position int, config map[string]any) (models.Activity, error) {
	if !actor.Privileged() {
		return models.Activity{}, models.Conflictf("facilitator role required")
	}
	if _, err := s.Session(sessionID); err != nil {
		return models.Activity{}, err
	}
	tool, err := s.registry.Get(toolType)
	if err != nil {
		return models.Activity{}, err
	}
	manifest := tool.Manifest()
	if title == "" {
		title = manifest.Label
	}

	merged := make(map[string]any, len(manifest.DefaultConfig)+len(config))
	for k, v := range manifest.DefaultConfig {
		merged[k] = v
	}
	for k, v := range config {
		merged[k] = v
	}
	cfgJSON, err := json.Marshal(merged)
	if err != nil {
		return models.Activity{}, models.Validationf("activity config is not serializable: " + err.Error())
	}

	if position < 0 {
		err = s.db.QueryRow(`
			SELECT COALESCE(MAX(order_index), -1) + 1 FROM activity WHERE session_id = $1
		`, sessionID).Scan(&position)
		if err != nil {
			return models.Activity{}, &models.TransientStoreError{Message: "failed to find agenda position", Err: err}
		}
	}

	id, err := identity.GenerateID(16)
	if err != nil {
		return models.Activity{}, err
	}
	activity := models.Activity{
		ID:         id,
		SessionID:  sessionID,
		ToolType:   manifest.ToolType,
		Title:      title,
		OrderIndex: position,
		Config:     merged,
		Status:     models.ActivityPending,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO activity (id, session_id, tool_type, title, order_index, config, status, locked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
	`, activity.ID, activity.SessionID, activity.ToolType, activity.Title,
		activity.OrderIndex, string(cfgJSON), activity.Status, activity.CreatedAt)
	if err != nil {
		// UNIQUE (session_id, order_index)
		return models.Activity{}, models.Conflictf("agenda position is taken")
	}
	return activity, nil
}

// Advance opens an activity: derive its input bundle from the
// predecessor's output, run the tool's open hook, mark it open, and
// start its autosave loop.
func (s *Service) Advance(ctx context.Context, actor models.Actor, activityID string) (models.Activity, error) {
	if !actor.Privileged() {
		return models.Activity{}, models.Conflictf("facilitator role required")
	}
	activity, err := s.Activity(activityID)
	if err != nil {
		return models.Activity{}, err
	}
	if activity.Status == models.ActivityClosed {
		return models.Activity{}, models.Conflictf("activity is already closed")
	}
	tool, err := s.registry.Get(activity.ToolType)
	if err != nil {
		return models.Activity{}, err
	}

	input, err := s.pipeline.EnsureInputBundle(activity)
	if err != nil {
		return models.Activity{}, err
	}

	ac, err := s.activityContext(activity, actor)
	if err != nil {
		return models.Activity{}, err
	}
	if err := tool.Open(ctx, ac, input); err != nil {
		return models.Activity{}, err
	}

	if _, err := s.db.Exec(`
		UPDATE activity SET status = $1 WHERE id = $2
	`, models.ActivityOpen, activityID); err != nil {
		return models.Activity{}, &models.TransientStoreError{Message: "failed to open activity", Err: err}
	}

	// Open may have rewritten the config; reload before reporting.
	activity, err = s.Activity(activityID)
	if err != nil {
		return models.Activity{}, err
	}

	interval := registry.AutosaveSeconds(activity.Config, tool.Manifest(), s.autosaveDefault)
	s.scheduler.Start(activityID, time.Duration(interval)*time.Second, s.snapshotFunc(activityID))

	s.events.Publish(ctx, broadcast.Event{
		SessionID:  activity.SessionID,
		ActivityID: activityID,
		Type:       "activity.open",
		Payload:    map[string]any{"tool_type": activity.ToolType},
	})
	return activity, nil
}

// snapshotFunc builds the autosave callback: reload the activity, run
// the tool's snapshot hook, upsert the draft bundle.
func (s *Service) snapshotFunc(activityID string) autosave.SnapshotFunc {
	return func(ctx context.Context) error {
		activity, err := s.Activity(activityID)
		if err != nil {
			return err
		}
		tool, err := s.registry.Get(activity.ToolType)
		if err != nil {
			return err
		}
		ac, err := s.activityContext(activity, models.Actor{ID: "autosave", Role: models.RoleFacilitator})
		if err != nil {
			return err
		}
		draft, err := tool.Snapshot(ctx, ac)
		if err != nil || draft == nil {
			return err
		}
		_, err = s.bundles.UpsertDraft(activity.SessionID, activityID, draft.Items, draft.Metadata)
		return err
	}
}

// CloseActivity finalizes an open activity: stop autosave, run the
// tool's close hook, and mark the row closed.
func (s *Service) CloseActivity(ctx context.Context, actor models.Actor, activityID string) (*registry.ClosePayload, error) {
	if !actor.Privileged() {
		return nil, models.Conflictf("facilitator role required")
	}
	activity, err := s.Activity(activityID)
	if err != nil {
		return nil, err
	}
	if activity.Status != models.ActivityOpen {
		return nil, models.Conflictf("activity is not open")
	}
	tool, err := s.registry.Get(activity.ToolType)
	if err != nil {
		return nil, err
	}

	s.scheduler.Stop(activityID)

	ac, err := s.activityContext(activity, actor)
	if err != nil {
		return nil, err
	}
	payload, err := tool.Close(ctx, ac)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`
		UPDATE activity SET status = $1 WHERE id = $2
	`, models.ActivityClosed, activityID); err != nil {
		return nil, &models.TransientStoreError{Message: "failed to close activity", Err: err}
	}

	s.events.Publish(ctx, broadcast.Event{
		SessionID:  activity.SessionID,
		ActivityID: activityID,
		Type:       "activity.close",
		Payload:    map[string]any{"tool_type": activity.ToolType},
	})
	return payload, nil
}

// ResetActivity wipes an activity back to pending: autosave stopped,
// bundles and tool records deleted, creation timestamp advanced so the
// pipeline treats any surviving input bundle as stale.
func (s *Service) ResetActivity(ctx context.Context, actor models.Actor, activityID string) error {
	if !actor.Privileged() {
		return models.Conflictf("facilitator role required")
	}
	activity, err := s.Activity(activityID)
	if err != nil {
		return err
	}

	s.scheduler.Stop(activityID)
	if err := s.bundles.DeleteForActivity(activityID); err != nil {
		return err
	}
	if _, err := s.db.Exec(`
		DELETE FROM idea_comment WHERE idea_id IN (SELECT id FROM idea WHERE activity_id = $1)
	`, activityID); err != nil {
		return &models.TransientStoreError{Message: "failed to reset idea comments", Err: err}
	}
	for _, table := range []string{
		"vote", "rank_ballot", "idea",
		"cat_ballot", "cat_final", "cat_assignment", "cat_item", "cat_bucket", "cat_audit",
		"idempotency_record",
	} {
		if _, err := s.db.Exec(`DELETE FROM `+table+` WHERE activity_id = $1`, activityID); err != nil {
			return &models.TransientStoreError{Message: "failed to reset " + table, Err: err}
		}
	}
	if _, err := s.db.Exec(`
		UPDATE activity SET status = $1, locked = FALSE, created_at = $2 WHERE id = $3
	`, models.ActivityPending, time.Now().UTC(), activityID); err != nil {
		return &models.TransientStoreError{Message: "failed to reset activity", Err: err}
	}

	s.events.Publish(ctx, broadcast.Event{
		SessionID:  activity.SessionID,
		ActivityID: activityID,
		Type:       "activity.reset",
	})
	return nil
}

// WriteDraft stores an externally supplied draft snapshot for an
// activity, replacing the current one.
func (s *Service) WriteDraft(actor models.Actor, activityID string, items []models.BundleItem, metadata map[string]any) (*models.Bundle, error) {
	if !actor.Privileged() {
		return nil, models.Conflictf("facilitator role required")
	}
	activity, err := s.Activity(activityID)
	if err != nil {
		return nil, err
	}
	return s.bundles.UpsertDraft(activity.SessionID, activityID, items, metadata)
}

// BundlePair reads the activity's current input and draft bundles.
// Either may be nil.
func (s *Service) BundlePair(activityID string) (input, draft *models.Bundle, err error) {
	if _, err := s.Activity(activityID); err != nil {
		return nil, nil, err
	}
	input, err = s.bundles.Current(activityID, models.BundleInput)
	if err != nil {
		return nil, nil, err
	}
	draft, err = s.bundles.Current(activityID, models.BundleDraft)
	if err != nil {
		return nil, nil, err
	}
	return input, draft, nil
}

// CommitTransfer hands a donor activity's items to a brand-new activity
// of a different type: the donor's transfer export becomes the new
// activity's input bundle, and the donation itself is recorded as an
// append-only transfer bundle on the donor.
func (s *Service) CommitTransfer(ctx context.Context, actor models.Actor, donorActivityID, toolType, title string, includeComments bool) (models.Activity, error) {
	if !actor.Privileged() {
		return models.Activity{}, models.Conflictf("facilitator role required")
	}
	donor, err := s.Activity(donorActivityID)
	if err != nil {
		return models.Activity{}, err
	}
	donorTool, err := s.registry.Get(donor.ToolType)
	if err != nil {
		return models.Activity{}, err
	}

	ac, err := s.activityContext(donor, actor)
	if err != nil {
		return models.Activity{}, err
	}
	export, err := donorTool.TransferSource(ctx, ac, includeComments)
	if err != nil {
		return models.Activity{}, err
	}
	if export == nil || len(export.Items) == 0 {
		return models.Activity{}, models.Validationf("donor activity has nothing to transfer")
	}

	target, err := s.AddActivity(actor, donor.SessionID, toolType, title, -1, nil)
	if err != nil {
		return models.Activity{}, err
	}

	meta := map[string]any{
		"source_label":       export.SourceLabel,
		"source_activity_id": donorActivityID,
	}
	if _, err := s.bundles.Create(donor.SessionID, donorActivityID, models.BundleTransfer, export.Items, meta); err != nil {
		return models.Activity{}, err
	}
	if _, err := s.bundles.Create(donor.SessionID, target.ID, models.BundleInput, export.Items, meta); err != nil {
		return models.Activity{}, err
	}

	s.events.Publish(ctx, broadcast.Event{
		SessionID:  donor.SessionID,
		ActivityID: target.ID,
		Type:       "activity.transfer",
		Payload:    map[string]any{"from": donorActivityID, "tool_type": toolType},
	})
	return target, nil
}

// TransferCount exposes the donor's cheap item count for UI badges.
func (s *Service) TransferCount(ctx context.Context, actor models.Actor, activityID string) (int, error) {
	activity, err := s.Activity(activityID)
	if err != nil {
		return 0, err
	}
	tool, err := s.registry.Get(activity.ToolType)
	if err != nil {
		return 0, err
	}
	ac, err := s.activityContext(activity, actor)
	if err != nil {
		return 0, err
	}
	return tool.TransferCount(ctx, ac)
}

// ActivityContext assembles the per-call tool context for an activity.
func (s *Service) ActivityContext(activityID string, actor models.Actor) (*registry.ActivityContext, error) {
	activity, err := s.Activity(activityID)
	if err != nil {
		return nil, err
	}
	return s.activityContext(activity, actor)
}

func (s *Service) activityContext(activity models.Activity, actor models.Actor) (*registry.ActivityContext, error) {
	session, err := s.Session(activity.SessionID)
	if err != nil {
		return nil, err
	}
	return &registry.ActivityContext{
		DB:       s.db,
		Session:  session,
		Activity: activity,
		Bundles:  s.bundles,
		Actor:    actor,
		Events:   s.events,
	}, nil
}

func (s *Service) setSessionStatus(sessionID, status string) error {
	if _, err := s.db.Exec(`
		UPDATE session SET status = $1 WHERE id = $2
	`, status, sessionID); err != nil {
		return &models.TransientStoreError{Message: "failed to update session status", Err: err}
	}
	return nil
}
