// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package brainstorm implements the idea-collection activity. Participants
submit free-form ideas through the idempotent write path and comment on
each other's entries; closing produces an output bundle whose items
carry their comments as children, ready for a downstream vote or
categorization activity.
*/
package brainstorm

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/ledger"
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/registry"
)

// SubmitRequest adds one idea. ClientKey, when set, dedups client
// retries through the idempotency ledger.
type SubmitRequest struct {
	Content   string `json:"content"`
	ClientKey string `json:"-"`
}

type SubmitResponse struct {
	IdeaID string `json:"idea_id"`
}

// SubmitIdea stores a new idea for the acting participant.
func SubmitIdea(ctx context.Context, ac *registry.ActivityContext, req SubmitRequest) (SubmitResponse, error) {
	if ac.Activity.Locked {
		return SubmitResponse{}, models.Conflictf("activity is locked")
	}
	req.Content = trimContent(req.Content)
	if req.Content == "" {
		return SubmitResponse{}, models.Validationf("idea content is empty")
	}

	scope := models.IdempotencyScope{
		SessionID:  ac.Session.ID,
		ActivityID: ac.Activity.ID,
		ActorID:    ac.Actor.ID,
		ClientKey:  req.ClientKey,
	}
	outcome, err := ledger.New(ac.DB).Execute(scope, req, func() (int, any, string, error) {
		id, err := identity.GenerateID(16)
		if err != nil {
			return 0, nil, "", err
		}
		_, err = ac.DB.Exec(`
			INSERT INTO idea (id, session_id, activity_id, actor_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, ac.Session.ID, ac.Activity.ID, ac.Actor.ID, req.Content, time.Now().UTC())
		if err != nil {
			return 0, nil, "", &models.TransientStoreError{Message: "failed to insert idea", Err: err}
		}
		return 201, SubmitResponse{IdeaID: id}, id, nil
	})
	if err != nil {
		return SubmitResponse{}, err
	}

	var resp SubmitResponse
	if err := json.Unmarshal(outcome.Response, &resp); err != nil {
		return SubmitResponse{}, &models.TransientStoreError{Message: "failed to decode stored response", Err: err}
	}
	if !outcome.Replayed {
		ac.Events.Publish(ctx, broadcast.Event{
			SessionID:  ac.Session.ID,
			ActivityID: ac.Activity.ID,
			Type:       "brainstorm.idea",
			Payload:    map[string]any{"idea_id": resp.IdeaID},
		})
	}
	return resp, nil
}

// AddComment attaches a comment to an existing idea.
func AddComment(ctx context.Context, ac *registry.ActivityContext, ideaID, content string) (string, error) {
	if ac.Activity.Locked {
		return "", models.Conflictf("activity is locked")
	}
	content = trimContent(content)
	if content == "" {
		return "", models.Validationf("comment content is empty")
	}

	var exists string
	err := ac.DB.QueryRow(`
		SELECT id FROM idea WHERE id = $1 AND activity_id = $2
	`, ideaID, ac.Activity.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		return "", models.NotFoundf("idea not found: " + ideaID)
	}
	if err != nil {
		return "", &models.TransientStoreError{Message: "failed to look up idea", Err: err}
	}

	id, err := identity.GenerateID(16)
	if err != nil {
		return "", err
	}
	if _, err := ac.DB.Exec(`
		INSERT INTO idea_comment (id, idea_id, actor_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, ideaID, ac.Actor.ID, content, time.Now().UTC()); err != nil {
		return "", &models.TransientStoreError{Message: "failed to insert comment", Err: err}
	}

	ac.Events.Publish(ctx, broadcast.Event{
		SessionID:  ac.Session.ID,
		ActivityID: ac.Activity.ID,
		Type:       "brainstorm.comment",
		Payload:    map[string]any{"idea_id": ideaID, "comment_id": id},
	})
	return id, nil
}

// Trimming before the ledger call keeps the request hash aligned with
// the ledger's canonical normalization.
func trimContent(s string) string {
	return strings.TrimSpace(s)
}

// Ideas lists the activity's ideas oldest-first.
func Ideas(db *sql.DB, activityID string) ([]models.Idea, error) {
	rows, err := db.Query(`
		SELECT id, session_id, activity_id, actor_id, content, created_at
		FROM idea WHERE activity_id = $1
		ORDER BY created_at ASC, id ASC
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to list ideas", Err: err}
	}
	defer rows.Close()

	var ideas []models.Idea
	for rows.Next() {
		var idea models.Idea
		if err := rows.Scan(&idea.ID, &idea.SessionID, &idea.ActivityID, &idea.ActorID, &idea.Content, &idea.CreatedAt); err != nil {
			return nil, err
		}
		ideas = append(ideas, idea)
	}
	return ideas, rows.Err()
}

// Comments returns idea -> comments, oldest-first within each idea.
func Comments(db *sql.DB, activityID string) (map[string][]models.IdeaComment, error) {
	rows, err := db.Query(`
		SELECT c.id, c.idea_id, c.actor_id, c.content, c.created_at
		FROM idea_comment c
		JOIN idea i ON i.id = c.idea_id
		WHERE i.activity_id = $1
		ORDER BY c.created_at ASC, c.id ASC
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to list comments", Err: err}
	}
	defer rows.Close()

	comments := make(map[string][]models.IdeaComment)
	for rows.Next() {
		var c models.IdeaComment
		if err := rows.Scan(&c.ID, &c.IdeaID, &c.ActorID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments[c.IdeaID] = append(comments[c.IdeaID], c)
	}
	return comments, rows.Err()
}
