// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package main provides the entry point for the Facilitator engine.

Facilitator is a group-session engine: a facilitator walks participants
through an agenda of activities (brainstorm, dot vote, rank order,
categorize) whose outputs feed the next activity as input bundles.
Transport and UI are an embedding server's job; the engine owns the
agenda, the activity tools, and the storage underneath them.

# Starting the Engine

The engine requires environment variables or CLI flags for configuration:

	DATABASE_URL=facilitator.db SESSION_KEY_SALT=... go run main.go

Or with flags:

	go run main.go -p 3320 -d "postgres://..." -t postgres

# Configuration

Required settings:

  - DATABASE_URL (-d): SQLite path or PostgreSQL connection string
  - SESSION_KEY_SALT (--session-salt): Secret for facilitator key HMAC

Optional settings:

  - PORT (-p): Port reserved for the embedding server (default: 3320)
  - DATABASE_TYPE (-t): sqlite (default) or postgres
  - PLUGIN_DIR (--plugins): Directory of external tool plugin files
  - REDIS_ADDR (--redis): Redis address for session event broadcasts
  - AUTOSAVE_DEFAULT_SECONDS (--autosave): Global autosave interval

# Architecture

The engine uses a tool-based architecture behind one orchestration
service:

  - sessions: agenda orchestration (advance, close, reset, transfer)
  - registry: tool contract, manifests, external plugin loading
  - brainstorm, dotvote, rankorder, categorize: built-in activity tools
  - bundles: hand-off bundles and the input derivation pipeline
  - ledger: idempotent write records for client retries
  - autosave: per-activity draft snapshot loops
  - broadcast: fire-and-forget session event fan-out
  - identity, models, db, cliparse, metrics: shared plumbing

See package documentation for each component.
*/
package main
