// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package dotvote

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/danielhkuo/facilitator/broadcast"
	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/ledger"
	"github.com/danielhkuo/facilitator/models"
	"github.com/danielhkuo/facilitator/options"
	"github.com/danielhkuo/facilitator/registry"
)

// CastRequest casts one dot on an option. ClientKey, when set, dedups
// client retries through the idempotency ledger.
type CastRequest struct {
	OptionID  string `json:"option_id"`
	ClientKey string `json:"-"`
}

type CastResponse struct {
	OptionID  string `json:"option_id"`
	CastCount int    `json:"cast_count"`
	Remaining int    `json:"remaining"`
}

// OptionTally is one option's live standing.
type OptionTally struct {
	OptionID string `json:"option_id"`
	Label    string `json:"label"`
	Votes    int    `json:"votes"`
	Own      int    `json:"own"`
	Rank     int    `json:"rank,omitempty"`
}

// Results is a viewer-specific read of the tally. When the viewer may
// not see results yet, Visible is false and per-option vote counts are
// withheld (zeroed), but the option list itself always shows.
type Results struct {
	Visible   bool          `json:"visible"`
	Options   []OptionTally `json:"options"`
	MaxVotes  int           `json:"max_votes"`
	CastTotal int           `json:"cast_total"`
}

// Cast records one vote for the acting participant, enforcing the total
// and per-option budgets.
func Cast(ctx context.Context, ac *registry.ActivityContext, req CastRequest) (CastResponse, error) {
	if ac.Activity.Locked {
		return CastResponse{}, models.Conflictf("activity is locked")
	}
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return CastResponse{}, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)
	opt := options.Find(opts, req.OptionID)
	if opt == nil {
		return CastResponse{}, models.Validationf("option not found: " + req.OptionID)
	}

	scope := models.IdempotencyScope{
		SessionID:  ac.Session.ID,
		ActivityID: ac.Activity.ID,
		ActorID:    ac.Actor.ID,
		ClientKey:  req.ClientKey,
	}
	outcome, err := ledger.New(ac.DB).Execute(scope, req, func() (int, any, string, error) {
		resp, err := castOnce(ac, cfg, opts, *opt)
		if err != nil {
			return 0, nil, "", err
		}
		return 201, resp, opt.ID, nil
	})
	if err != nil {
		return CastResponse{}, err
	}

	var resp CastResponse
	if err := decodeOutcome(outcome, &resp); err != nil {
		return CastResponse{}, err
	}
	if !outcome.Replayed {
		ac.Events.Publish(ctx, broadcast.Event{
			SessionID:  ac.Session.ID,
			ActivityID: ac.Activity.ID,
			Type:       "dotvote.cast",
			Payload:    map[string]any{"option_id": opt.ID},
		})
	}
	return resp, nil
}

func castOnce(ac *registry.ActivityContext, cfg Config, opts []options.Option, opt options.Option) (CastResponse, error) {
	budget := maxVotes(cfg, len(opts))
	perOption := maxVotesPerOption(cfg, budget)

	total, byOption, err := actorCounts(ac.DB, ac.Activity.ID, ac.Actor.ID)
	if err != nil {
		return CastResponse{}, err
	}
	if total >= budget {
		return CastResponse{}, models.Conflictf("vote budget exhausted")
	}
	if perOption > 0 && byOption[opt.ID] >= perOption {
		return CastResponse{}, models.Conflictf("per-option vote limit reached")
	}

	id, err := identity.GenerateID(16)
	if err != nil {
		return CastResponse{}, err
	}
	_, err = ac.DB.Exec(`
		INSERT INTO vote (id, session_id, activity_id, actor_id, option_id, option_label, weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, ac.Session.ID, ac.Activity.ID, ac.Actor.ID, opt.ID, opt.Label, 1, time.Now().UTC())
	if err != nil {
		return CastResponse{}, &models.TransientStoreError{Message: "failed to insert vote", Err: err}
	}

	return CastResponse{
		OptionID:  opt.ID,
		CastCount: byOption[opt.ID] + 1,
		Remaining: budget - total - 1,
	}, nil
}

// Retract deletes the actor's single most recent vote for the option.
func Retract(ctx context.Context, ac *registry.ActivityContext, optionID string) error {
	if ac.Activity.Locked {
		return models.Conflictf("activity is locked")
	}
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return err
	}
	if !cfg.AllowRetract {
		return models.Conflictf("retract is disabled for this activity")
	}

	vote, err := lastVote(ac.DB, ac.Activity.ID, ac.Actor.ID, optionID)
	if err == sql.ErrNoRows {
		return models.NotFoundf("no vote to retract for option " + optionID)
	}
	if err != nil {
		return &models.TransientStoreError{Message: "failed to find vote", Err: err}
	}

	if _, err := ac.DB.Exec(`DELETE FROM vote WHERE id = $1`, vote.ID); err != nil {
		return &models.TransientStoreError{Message: "failed to delete vote", Err: err}
	}

	ac.Events.Publish(ctx, broadcast.Event{
		SessionID:  ac.Session.ID,
		ActivityID: ac.Activity.ID,
		Type:       "dotvote.retract",
		Payload:    map[string]any{"option_id": vote.OptionID},
	})
	return nil
}

// lastVote loads the actor's most recent vote row for an option, the
// retract target.
func lastVote(db *sql.DB, activityID, actorID, optionID string) (models.Vote, error) {
	var vote models.Vote
	err := db.QueryRow(`
		SELECT id, session_id, activity_id, actor_id, option_id, option_label, weight, created_at
		FROM vote
		WHERE activity_id = $1 AND actor_id = $2 AND option_id = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, activityID, actorID, optionID).Scan(
		&vote.ID, &vote.SessionID, &vote.ActivityID, &vote.ActorID,
		&vote.OptionID, &vote.OptionLabel, &vote.Weight, &vote.CreatedAt,
	)
	return vote, err
}

// ViewResults computes the live tally as seen by the acting user.
// Results show when the activity is configured to show them
// immediately, the viewer is privileged, or the viewer has a locked
// submission (cast votes with retract disabled).
func ViewResults(_ context.Context, ac *registry.ActivityContext) (Results, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return Results{}, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)

	totals, err := tally(ac.DB, ac.Activity.ID)
	if err != nil {
		return Results{}, err
	}
	ownTotal, ownByOption, err := actorCounts(ac.DB, ac.Activity.ID, ac.Actor.ID)
	if err != nil {
		return Results{}, err
	}

	visible := cfg.ShowResultsImmediately ||
		ac.Actor.Privileged() ||
		(ownTotal > 0 && !cfg.AllowRetract)

	res := Results{
		Visible:   visible,
		MaxVotes:  maxVotes(cfg, len(opts)),
		CastTotal: ownTotal,
		Options:   make([]OptionTally, 0, len(opts)),
	}
	for _, opt := range opts {
		t := OptionTally{OptionID: opt.ID, Label: opt.Label, Own: ownByOption[opt.ID]}
		if visible {
			t.Votes = totals[opt.ID]
		}
		res.Options = append(res.Options, t)
	}
	if visible {
		rank(res.Options)
	}
	return res, nil
}

// rank orders tallies highest-votes-first with a deterministic
// lexicographic tie-break, then stamps 1-based ranks.
func rank(tallies []OptionTally) {
	sort.Slice(tallies, func(i, j int) bool {
		a, b := tallies[i], tallies[j]
		if a.Votes != b.Votes {
			return a.Votes > b.Votes
		}
		al, bl := strings.ToLower(a.Label), strings.ToLower(b.Label)
		if al != bl {
			return al < bl
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.OptionID < b.OptionID
	})
	for i := range tallies {
		tallies[i].Rank = i + 1
	}
}

func tally(db *sql.DB, activityID string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT option_id, COALESCE(SUM(weight), 0)
		FROM vote
		WHERE activity_id = $1
		GROUP BY option_id
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to tally votes", Err: err}
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var optionID string
		var n int
		if err := rows.Scan(&optionID, &n); err != nil {
			return nil, err
		}
		totals[optionID] = n
	}
	return totals, rows.Err()
}

func actorCounts(db *sql.DB, activityID, actorID string) (int, map[string]int, error) {
	rows, err := db.Query(`
		SELECT option_id, COALESCE(SUM(weight), 0)
		FROM vote
		WHERE activity_id = $1 AND actor_id = $2
		GROUP BY option_id
	`, activityID, actorID)
	if err != nil {
		return 0, nil, &models.TransientStoreError{Message: "failed to count actor votes", Err: err}
	}
	defer rows.Close()

	total := 0
	byOption := make(map[string]int)
	for rows.Next() {
		var optionID string
		var n int
		if err := rows.Scan(&optionID, &n); err != nil {
			return 0, nil, err
		}
		byOption[optionID] = n
		total += n
	}
	return total, byOption, rows.Err()
}

func decodeOutcome(outcome ledger.Outcome, v any) error {
	if err := json.Unmarshal(outcome.Response, v); err != nil {
		slog.Error("failed to decode ledger outcome", "error", err)
		return &models.TransientStoreError{Message: "failed to decode stored response", Err: err}
	}
	return nil
}
