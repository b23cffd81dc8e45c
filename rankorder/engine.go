// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package rankorder

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Config is the typed shape of a rank-order activity's config blob.
type Config struct {
	Options                []any `mapstructure:"options"`
	ShowResultsImmediately bool  `mapstructure:"show_results_immediately"`
}

func parseConfig(raw map[string]any) (Config, error) {
	var cfg Config
	if err := registry.DecodeConfig(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SubmitRequest replaces the actor's ranking. Ranking lists option ids
// best-first; position i is rank i+1. ClientKey, when set, dedups
// client retries through the idempotency ledger.
type SubmitRequest struct {
	Ranking   []string `json:"ranking"`
	ClientKey string   `json:"-"`
}

type SubmitResponse struct {
	Ranked   int  `json:"ranked"`
	Complete bool `json:"complete"`
}

// OptionStats is one option's aggregate standing across complete
// rankings. Scores are zero when nobody has submitted a complete
// ranking yet.
type OptionStats struct {
	OptionID       string  `json:"option_id"`
	Label          string  `json:"label"`
	BordaScore     int     `json:"borda_score"`
	AvgRank        float64 `json:"avg_rank"`
	RankVariance   float64 `json:"rank_variance"`
	TopChoiceShare float64 `json:"top_choice_share"`
	Rank           int     `json:"rank,omitempty"`
}

// Results is a viewer-specific read of the aggregate.
type Results struct {
	Visible         bool          `json:"visible"`
	Options         []OptionStats `json:"options"`
	CompleteBallots int           `json:"complete_ballots"`
}

// Submit replaces the actor's ranking with the given total (or partial)
// order. Every listed id must name a known option exactly once; a
// partial ranking is stored but stays out of the aggregate statistics
// until completed.
func Submit(ctx context.Context, ac *registry.ActivityContext, req SubmitRequest) (SubmitResponse, error) {
	if ac.Activity.Locked {
		return SubmitResponse{}, models.Conflictf("activity is locked")
	}
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return SubmitResponse{}, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)
	if len(req.Ranking) == 0 {
		return SubmitResponse{}, models.Validationf("ranking is empty")
	}
	if len(req.Ranking) > len(opts) {
		return SubmitResponse{}, models.Validationf("ranking lists more entries than there are options")
	}
	seen := make(map[string]bool, len(req.Ranking))
	for _, id := range req.Ranking {
		if options.Find(opts, id) == nil {
			return SubmitResponse{}, models.Validationf("option not found: " + id)
		}
		if seen[id] {
			return SubmitResponse{}, models.Validationf("option ranked twice: " + id)
		}
		seen[id] = true
	}

	scope := models.IdempotencyScope{
		SessionID:  ac.Session.ID,
		ActivityID: ac.Activity.ID,
		ActorID:    ac.Actor.ID,
		ClientKey:  req.ClientKey,
	}
	outcome, err := ledger.New(ac.DB).Execute(scope, req, func() (int, any, string, error) {
		if err := replaceRanking(ac, req.Ranking); err != nil {
			return 0, nil, "", err
		}
		resp := SubmitResponse{Ranked: len(req.Ranking), Complete: len(req.Ranking) == len(opts)}
		return 201, resp, "", nil
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
			Type:       "rankorder.submit",
			Payload:    map[string]any{"complete": resp.Complete},
		})
	}
	return resp, nil
}

// replaceRanking is delete-all-for-actor then re-insert; a ranking is
// never partially updated in place.
func replaceRanking(ac *registry.ActivityContext, ranking []string) error {
	tx, err := ac.DB.Begin()
	if err != nil {
		return &models.TransientStoreError{Message: "failed to begin transaction", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM rank_ballot WHERE activity_id = $1 AND actor_id = $2
	`, ac.Activity.ID, ac.Actor.ID); err != nil {
		return &models.TransientStoreError{Message: "failed to clear prior ranking", Err: err}
	}
	now := time.Now().UTC()
	for i, optionID := range ranking {
		if _, err := tx.Exec(`
			INSERT INTO rank_ballot (session_id, activity_id, actor_id, option_id, rank_position, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, ac.Session.ID, ac.Activity.ID, ac.Actor.ID, optionID, i+1, now); err != nil {
			return &models.TransientStoreError{Message: "failed to store ranking", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &models.TransientStoreError{Message: "failed to commit ranking", Err: err}
	}
	return nil
}

// ViewResults computes the aggregate as seen by the acting user.
// Aggregates show when configured to show immediately, the viewer is
// privileged, or the activity is locked.
func ViewResults(_ context.Context, ac *registry.ActivityContext) (Results, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return Results{}, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)

	stats, complete, err := aggregate(ac.DB, ac.Activity.ID, opts)
	if err != nil {
		return Results{}, err
	}

	visible := cfg.ShowResultsImmediately || ac.Actor.Privileged() || ac.Activity.Locked
	if !visible {
		withheld := make([]OptionStats, 0, len(opts))
		for _, opt := range opts {
			withheld = append(withheld, OptionStats{OptionID: opt.ID, Label: opt.Label})
		}
		return Results{Visible: false, Options: withheld, CompleteBallots: complete}, nil
	}
	return Results{Visible: true, Options: stats, CompleteBallots: complete}, nil
}

// ViewOrder returns the option list in the order this viewer should see
// it for ranking. Submitters see their own ranked order first with any
// unranked options appended; privileged viewers see config order;
// everyone else gets a per-(session,activity,actor)-deterministic
// shuffle so first-listed options gain no primacy advantage.
func ViewOrder(_ context.Context, ac *registry.ActivityContext) ([]options.Option, error) {
	cfg, err := parseConfig(ac.Activity.Config)
	if err != nil {
		return nil, err
	}
	opts := options.Derive(ac.Activity.ID, cfg.Options)

	own, err := actorRanking(ac.DB, ac.Activity.ID, ac.Actor.ID)
	if err != nil {
		return nil, err
	}
	if len(own) > 0 {
		ordered := make([]options.Option, 0, len(opts))
		for _, id := range own {
			if opt := options.Find(opts, id); opt != nil {
				ordered = append(ordered, *opt)
			}
		}
		for _, opt := range opts {
			if _, ranked := indexOf(own, opt.ID); !ranked {
				ordered = append(ordered, opt)
			}
		}
		return ordered, nil
	}
	if ac.Actor.Privileged() {
		return opts, nil
	}

	shuffled := make([]options.Option, len(opts))
	copy(shuffled, opts)
	sort.SliceStable(shuffled, func(i, j int) bool {
		di := identity.Digest64(ac.Session.ID, ac.Activity.ID, ac.Actor.ID, shuffled[i].ID)
		dj := identity.Digest64(ac.Session.ID, ac.Activity.ID, ac.Actor.ID, shuffled[j].ID)
		return di < dj
	})
	return shuffled, nil
}

func indexOf(ids []string, id string) (int, bool) {
	for i, v := range ids {
		if v == id {
			return i, true
		}
	}
	return 0, false
}

// aggregate computes per-option Borda statistics over complete rankings
// and returns them ordered (-borda, avg_rank, label). Nobody having
// submitted yields zero scores, not an error.
func aggregate(db *sql.DB, activityID string, opts []options.Option) ([]OptionStats, int, error) {
	ballots, err := loadBallots(db, activityID)
	if err != nil {
		return nil, 0, err
	}

	k := len(opts)
	complete := make([]map[string]int, 0, len(ballots))
	for _, ranking := range ballots {
		if len(ranking) == k {
			complete = append(complete, ranking)
		}
	}
	n := len(complete)

	stats := make([]OptionStats, 0, k)
	for _, opt := range opts {
		st := OptionStats{OptionID: opt.ID, Label: opt.Label}
		if n > 0 {
			var sum, sumSq, topCount int
			for _, ranking := range complete {
				r := ranking[opt.ID]
				st.BordaScore += k - r
				sum += r
				sumSq += r * r
				if r == 1 {
					topCount++
				}
			}
			st.AvgRank = float64(sum) / float64(n)
			// Population variance; clamp absorbs floating error.
			st.RankVariance = float64(sumSq)/float64(n) - st.AvgRank*st.AvgRank
			if st.RankVariance < 0 {
				st.RankVariance = 0
			}
			st.TopChoiceShare = float64(topCount) / float64(n)
		}
		stats = append(stats, st)
	}

	sort.SliceStable(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.BordaScore != b.BordaScore {
			return a.BordaScore > b.BordaScore
		}
		if a.AvgRank != b.AvgRank {
			return a.AvgRank < b.AvgRank
		}
		al, bl := strings.ToLower(a.Label), strings.ToLower(b.Label)
		if al != bl {
			return al < bl
		}
		return a.OptionID < b.OptionID
	})
	for i := range stats {
		stats[i].Rank = i + 1
	}
	return stats, n, nil
}

// loadBallots groups rank_ballot rows by actor: actor -> option -> rank.
func loadBallots(db *sql.DB, activityID string) (map[string]map[string]int, error) {
	rows, err := db.Query(`
		SELECT actor_id, option_id, rank_position
		FROM rank_ballot
		WHERE activity_id = $1
	`, activityID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to load rankings", Err: err}
	}
	defer rows.Close()

	ballots := make(map[string]map[string]int)
	for rows.Next() {
		row := models.RankBallotRow{ActivityID: activityID}
		if err := rows.Scan(&row.ActorID, &row.OptionID, &row.RankPosition); err != nil {
			return nil, err
		}
		if ballots[row.ActorID] == nil {
			ballots[row.ActorID] = make(map[string]int)
		}
		ballots[row.ActorID][row.OptionID] = row.RankPosition
	}
	return ballots, rows.Err()
}

// actorRanking returns the actor's option ids in rank order, empty when
// nothing is stored.
func actorRanking(db *sql.DB, activityID, actorID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT option_id FROM rank_ballot
		WHERE activity_id = $1 AND actor_id = $2
		ORDER BY rank_position ASC
	`, activityID, actorID)
	if err != nil {
		return nil, &models.TransientStoreError{Message: "failed to load actor ranking", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
