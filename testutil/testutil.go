// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package testutil

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danielhkuo/facilitator/db"
	"github.com/danielhkuo/facilitator/identity"
	"github.com/danielhkuo/facilitator/models"
)

// SetupTestDB opens an in-memory SQLite database with the full schema.
// MaxOpenConns is pinned to 1 so the pool never splits the :memory:
// database across connections.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	if err := db.CreateSchema(conn); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	return conn
}

// Facilitator returns a privileged test actor.
func Facilitator(id string) models.Actor {
	return models.Actor{ID: id, Name: id, Role: models.RoleFacilitator}
}

// Participant returns a non-privileged test actor.
func Participant(id string) models.Actor {
	return models.Actor{ID: id, Name: id, Role: models.RoleParticipant}
}

// CreateTestSession inserts a live session and returns it.
func CreateTestSession(t *testing.T, conn *sql.DB) models.Session {
	t.Helper()

	id, _ := identity.GenerateID(16)
	s := models.Session{
		ID:          id,
		Title:       "Test Session",
		Facilitator: "facilitator-1",
		Status:      models.SessionLive,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := conn.Exec(`
		INSERT INTO session (id, title, facilitator, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.Title, s.Facilitator, s.Status, s.CreatedAt)
	if err != nil {
		t.Fatalf("Failed to create test session: %v", err)
	}

	return s
}

// CreateTestActivity inserts an activity at the given agenda position.
// config may be nil.
func CreateTestActivity(t *testing.T, conn *sql.DB, sessionID, toolType string, orderIndex int, config map[string]any) models.Activity {
	t.Helper()

	id, _ := identity.GenerateID(16)
	if config == nil {
		config = map[string]any{}
	}
	cfgJSON, err := json.Marshal(config)
	if err != nil {
		t.Fatalf("Failed to encode activity config: %v", err)
	}

	a := models.Activity{
		ID:         id,
		SessionID:  sessionID,
		ToolType:   toolType,
		Title:      toolType + " activity",
		OrderIndex: orderIndex,
		Config:     config,
		Status:     models.ActivityOpen,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = conn.Exec(`
		INSERT INTO activity (id, session_id, tool_type, title, order_index, config, status, locked, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.SessionID, a.ToolType, a.Title, a.OrderIndex, string(cfgJSON), a.Status, false, a.CreatedAt)
	if err != nil {
		t.Fatalf("Failed to create test activity: %v", err)
	}

	return a
}

// SetActivityCreatedAt rewrites an activity's creation timestamp. Used to
// simulate reset/duplicate incarnations in pipeline tests.
func SetActivityCreatedAt(t *testing.T, conn *sql.DB, activityID string, ts time.Time) {
	t.Helper()

	if _, err := conn.Exec(`UPDATE activity SET created_at = $1 WHERE id = $2`, ts, activityID); err != nil {
		t.Fatalf("Failed to update activity created_at: %v", err)
	}
}

// ActivityConfig reloads an activity's config column.
func ActivityConfig(t *testing.T, conn *sql.DB, activityID string) map[string]any {
	t.Helper()

	var raw string
	if err := conn.QueryRow(`SELECT config FROM activity WHERE id = $1`, activityID).Scan(&raw); err != nil {
		t.Fatalf("Failed to load activity config: %v", err)
	}
	cfg := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("Failed to decode activity config: %v", err)
	}
	return cfg
}

// CountRows counts rows in a table matching a single-column predicate.
func CountRows(t *testing.T, conn *sql.DB, table, column, value string) int {
	t.Helper()

	var n int
	// Table and column names come from test code, never user input.
	if err := conn.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE `+column+` = $1`, value).Scan(&n); err != nil {
		t.Fatalf("Failed to count rows in %s: %v", table, err)
	}
	return n
}
