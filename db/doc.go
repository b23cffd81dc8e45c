// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package db owns the storage schema. The engine assumes a transactional
// store with unique-constraint enforcement; both Postgres (lib/pq) and
// SQLite (modernc.org/sqlite) satisfy that, and the DDL here runs on
// either.
package db
