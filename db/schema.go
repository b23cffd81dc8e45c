// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package db

import (
	"database/sql"
	"fmt"
)

// CreateSchema creates all tables needed for the application.
// Safe to call multiple times - uses IF NOT EXISTS.
//
// The DDL is deliberately portable across Postgres and SQLite: TEXT
// columns for JSON payloads, CURRENT_TIMESTAMP defaults, no serial
// types. Application code writes $N placeholders in first-occurrence
// order, which both drivers accept.
func CreateSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

const schema = `
-- Sessions
CREATE TABLE IF NOT EXISTS session (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    facilitator TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft', 'live', 'closed')),
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_session_status ON session(status);

-- Activities (ordered agenda entries)
CREATE TABLE IF NOT EXISTS activity (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES session(id) ON DELETE CASCADE,
    tool_type TEXT NOT NULL,
    title TEXT NOT NULL,
    order_index INTEGER NOT NULL,
    config TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'open', 'closed')),
    locked BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (session_id, order_index)
);

CREATE INDEX IF NOT EXISTS idx_activity_session ON activity(session_id, order_index);

-- Bundles (kinded payload snapshots)
CREATE TABLE IF NOT EXISTS bundle (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES session(id) ON DELETE CASCADE,
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    kind TEXT NOT NULL CHECK (kind IN ('input', 'draft', 'output', 'transfer')),
    items TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bundle_scope ON bundle(session_id, activity_id, kind);

-- Idempotency records (uniqueness on the full scope)
CREATE TABLE IF NOT EXISTS idempotency_record (
    session_id TEXT NOT NULL,
    activity_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    client_key TEXT NOT NULL,
    request_hash TEXT NOT NULL,
    status_code INTEGER NOT NULL DEFAULT 0,
    response_snapshot TEXT,
    subject_id TEXT,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, activity_id, actor_id, client_key)
);

CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_record(session_id, activity_id, expires_at);

-- Dot votes (append-only; retract deletes the newest matching row)
CREATE TABLE IF NOT EXISTS vote (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    actor_id TEXT NOT NULL,
    option_id TEXT NOT NULL,
    option_label TEXT NOT NULL,
    weight INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vote_activity ON vote(activity_id, option_id);
CREATE INDEX IF NOT EXISTS idx_vote_actor ON vote(activity_id, actor_id);

-- Rank ballots (one row per actor+option)
CREATE TABLE IF NOT EXISTS rank_ballot (
    session_id TEXT NOT NULL,
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    actor_id TEXT NOT NULL,
    option_id TEXT NOT NULL,
    rank_position INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (activity_id, actor_id, option_id),
    UNIQUE (activity_id, actor_id, rank_position)
);

CREATE INDEX IF NOT EXISTS idx_rank_ballot_activity ON rank_ballot(activity_id, actor_id);

-- Brainstorm ideas and comments
CREATE TABLE IF NOT EXISTS idea (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    actor_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idea_activity ON idea(activity_id);

CREATE TABLE IF NOT EXISTS idea_comment (
    id TEXT PRIMARY KEY,
    idea_id TEXT NOT NULL REFERENCES idea(id) ON DELETE CASCADE,
    actor_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_idea_comment_idea ON idea_comment(idea_id);

-- Categorization: buckets, items, assignments, ballots, finals, audit
CREATE TABLE IF NOT EXISTS cat_bucket (
    id TEXT PRIMARY KEY,
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    label TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    reserved BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (activity_id, label)
);

CREATE INDEX IF NOT EXISTS idx_cat_bucket_activity ON cat_bucket(activity_id, position);

CREATE TABLE IF NOT EXISTS cat_item (
    id TEXT PRIMARY KEY,
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    item_key TEXT NOT NULL,
    content TEXT NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    UNIQUE (activity_id, item_key)
);

CREATE INDEX IF NOT EXISTS idx_cat_item_activity ON cat_item(activity_id, position);

CREATE TABLE IF NOT EXISTS cat_assignment (
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    item_id TEXT NOT NULL REFERENCES cat_item(id) ON DELETE CASCADE,
    bucket_id TEXT NOT NULL REFERENCES cat_bucket(id),
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (activity_id, item_id)
);

CREATE TABLE IF NOT EXISTS cat_ballot (
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    actor_id TEXT NOT NULL,
    item_id TEXT NOT NULL REFERENCES cat_item(id) ON DELETE CASCADE,
    bucket_id TEXT NOT NULL REFERENCES cat_bucket(id),
    submitted BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (activity_id, actor_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_cat_ballot_item ON cat_ballot(activity_id, item_id);

CREATE TABLE IF NOT EXISTS cat_final (
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    item_id TEXT NOT NULL REFERENCES cat_item(id) ON DELETE CASCADE,
    bucket_id TEXT NOT NULL REFERENCES cat_bucket(id),
    resolved_by TEXT NOT NULL,
    resolved_at TIMESTAMP NOT NULL,
    PRIMARY KEY (activity_id, item_id)
);

CREATE TABLE IF NOT EXISTS cat_audit (
    id TEXT PRIMARY KEY,
    activity_id TEXT NOT NULL REFERENCES activity(id) ON DELETE CASCADE,
    actor_id TEXT NOT NULL,
    action TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cat_audit_activity ON cat_audit(activity_id, created_at);
`
