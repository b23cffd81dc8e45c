// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package models

import "time"

// Actor roles
const (
	RoleParticipant = "participant"
	RoleFacilitator = "facilitator"
)

// Session status constants
const (
	SessionDraft  = "draft"
	SessionLive   = "live"
	SessionClosed = "closed"
)

// Activity status constants
const (
	ActivityPending = "pending"
	ActivityOpen    = "open"
	ActivityClosed  = "closed"
)

// Bundle kinds
const (
	BundleInput    = "input"
	BundleDraft    = "draft"
	BundleOutput   = "output"
	BundleTransfer = "transfer"
)

// Categorization consensus statuses
const (
	ConsensusAgreed   = "AGREED"
	ConsensusDisputed = "DISPUTED"
)

// UnsortedBucket is the reserved bucket label every categorization
// activity carries. It cannot be renamed or deleted.
const UnsortedBucket = "UNSORTED"

// Actor is the acting user for a request. Authentication happens
// upstream; by the time an actor reaches this package its identity and
// role are trusted.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// Privileged reports whether the actor may perform facilitator-only
// operations.
func (a Actor) Privileged() bool {
	return a.Role == RoleFacilitator
}

type Session struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Facilitator string    `json:"facilitator"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`

	// FacilitatorKey is the HMAC facilitator key minted at creation.
	// Derived from the session id and the server salt, never stored;
	// loads from the database leave it empty.
	FacilitatorKey string `json:"facilitator_key,omitempty"`
}

// Activity is one tool instance placed at a position in a session's
// ordered agenda. Config is the tool-specific configuration blob; unknown
// keys pass through untouched so older servers tolerate newer tools.
type Activity struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	ToolType   string         `json:"tool_type"`
	Title      string         `json:"title"`
	OrderIndex int            `json:"order_index"`
	Config     map[string]any `json:"config,omitempty"`
	Status     string         `json:"status"`
	Locked     bool           `json:"locked"`
	CreatedAt  time.Time      `json:"created_at"`
}

// BundleItem is one record inside a bundle payload. Extra carries
// forward-compatible fields verbatim across tool conversions.
type BundleItem struct {
	ID               string         `json:"id,omitempty"`
	Content          string         `json:"content"`
	SourceActivityID string         `json:"source_activity_id,omitempty"`
	Rank             int            `json:"rank,omitempty"`
	Votes            int            `json:"votes,omitempty"`
	Children         []BundleItem   `json:"children,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Bundle is a named, kinded snapshot of an activity's item payload.
// For a given (session, activity, kind) the current bundle is the
// most-recently-created row; drafts are upserted in place.
type Bundle struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	ActivityID string         `json:"activity_id"`
	Kind       string         `json:"kind"`
	Items      []BundleItem   `json:"items"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Vote is one dot cast by an actor on an option. Append-only; a retract
// physically deletes the most recent matching row.
type Vote struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	ActivityID  string    `json:"activity_id"`
	ActorID     string    `json:"actor_id"`
	OptionID    string    `json:"option_id"`
	OptionLabel string    `json:"option_label"`
	Weight      int       `json:"weight"`
	CreatedAt   time.Time `json:"created_at"`
}

// RankBallotRow is one (actor, option) pair of a ranking. Replacing a
// ranking is delete-all-for-actor then re-insert.
type RankBallotRow struct {
	SessionID    string    `json:"session_id"`
	ActivityID   string    `json:"activity_id"`
	ActorID      string    `json:"actor_id"`
	OptionID     string    `json:"option_id"`
	RankPosition int       `json:"rank_position"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdempotencyScope identifies a deduplicatable write.
type IdempotencyScope struct {
	SessionID  string `json:"session_id"`
	ActivityID string `json:"activity_id"`
	ActorID    string `json:"actor_id"`
	ClientKey  string `json:"client_key"`
}

// IdempotencyRecord dedups at-least-once client retries. A record with
// ResponseSnapshot set is a completed replay target; without it the
// write is claimed but still in flight.
type IdempotencyRecord struct {
	Scope            IdempotencyScope `json:"scope"`
	RequestHash      string           `json:"request_hash"`
	StatusCode       int              `json:"status_code"`
	ResponseSnapshot []byte           `json:"response_snapshot,omitempty"`
	SubjectID        *string          `json:"subject_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ExpiresAt        time.Time        `json:"expires_at"`
}

// Categorization domain types

type Bucket struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	Label      string `json:"label"`
	Position   int    `json:"position"`
	Reserved   bool   `json:"reserved"`
}

type CategorizationItem struct {
	ID         string `json:"id"`
	ActivityID string `json:"activity_id"`
	ItemKey    string `json:"item_key"`
	Content    string `json:"content"`
	Position   int    `json:"position"`
}

// Assignment is the live facilitator-authoritative placement of an item.
// Every item has exactly one, defaulting to the UNSORTED bucket.
type Assignment struct {
	ActivityID string    `json:"activity_id"`
	ItemID     string    `json:"item_id"`
	BucketID   string    `json:"bucket_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CatBallot is one participant's private vote for an item's bucket.
type CatBallot struct {
	ActivityID string    `json:"activity_id"`
	ActorID    string    `json:"actor_id"`
	ItemID     string    `json:"item_id"`
	BucketID   string    `json:"bucket_id"`
	Submitted  bool      `json:"submitted"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FinalAssignment is the facilitator's resolved placement when ballots
// disagree; when present it overrides the displayed Assignment.
type FinalAssignment struct {
	ActivityID string    `json:"activity_id"`
	ItemID     string    `json:"item_id"`
	BucketID   string    `json:"bucket_id"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// AuditEvent is one row of the append-only categorization audit log.
type AuditEvent struct {
	ID         string         `json:"id"`
	ActivityID string         `json:"activity_id"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ItemAgreement is the per-item consensus metric in parallel-ballot
// mode, computed over submitted ballots only. Items with zero submitted
// ballots get no entry at all.
type ItemAgreement struct {
	ItemID      string  `json:"item_id"`
	TotalVotes  int     `json:"total_votes"`
	TopBucketID string  `json:"top_bucket_id"`
	TopShare    float64 `json:"top_share"`
	SecondShare float64 `json:"second_share"`
	Margin      float64 `json:"margin"`
	Status      string  `json:"status"`
}

// Brainstorm domain types

type Idea struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ActivityID string    `json:"activity_id"`
	ActorID    string    `json:"actor_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

type IdeaComment struct {
	ID        string    `json:"id"`
	IdeaID    string    `json:"idea_id"`
	ActorID   string    `json:"actor_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
