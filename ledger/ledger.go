// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielhkuo/facilitator/metrics"
	"github.com/danielhkuo/facilitator/models"
)

// Ledger dedups at-least-once client retries for write endpoints.
//
// The protocol is a two-phase claim: opportunistically prune expired
// records for the scope, attempt a unique insert (the claim), run the
// underlying write, then complete the record with the response snapshot.
// A concurrent claim loses the insert race and falls back to the read
// path deterministically.
type Ledger struct {
	db  *sql.DB
	ttl time.Duration
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, ttl: models.IdempotencyTTLHours * time.Hour}
}

// WithTTL overrides the record lifetime. Used in tests.
func (l *Ledger) WithTTL(ttl time.Duration) *Ledger {
	l.ttl = ttl
	return l
}

// WriteFunc performs the underlying write. subjectID identifies the row
// the write created, when there is one.
type WriteFunc func() (statusCode int, response any, subjectID string, err error)

// Outcome is the result delivered to the caller, whether freshly
// executed or replayed from a completed record.
type Outcome struct {
	StatusCode int
	Response   json.RawMessage
	SubjectID  *string
	Replayed   bool
}

// Execute runs fn at most once for the given (scope, payload).
//
// An empty client key disables deduplication: fn always executes. A
// matching completed record replays the stored response verbatim without
// re-executing. A matching record with no response yet means a duplicate
// is in flight and the caller must retry later. A key reused with a
// different payload is rejected.
func (l *Ledger) Execute(scope models.IdempotencyScope, payload any, fn WriteFunc) (Outcome, error) {
	if scope.ClientKey == "" {
		return runWrite(fn)
	}

	hash, err := CanonicalHash(payload)
	if err != nil {
		return Outcome{}, models.Validationf("payload is not serializable: " + err.Error())
	}

	l.pruneScope(scope)

	if outcome, found, err := l.checkExisting(scope, hash); err != nil || found {
		return outcome, err
	}

	claimed, err := l.claim(scope, hash)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		// Lost the insert race; the winner's record decides.
		outcome, found, err := l.checkExisting(scope, hash)
		if err != nil {
			return Outcome{}, err
		}
		if !found {
			// The racing record vanished between insert and re-read
			// (expiry or a failed write); one recovery attempt only.
			return Outcome{}, models.Conflictf("concurrent request in progress, retry later")
		}
		return outcome, nil
	}

	outcome, err := runWrite(fn)
	if err != nil {
		// Release the claim so a retry can re-attempt the write.
		l.release(scope)
		return Outcome{}, err
	}

	if err := l.complete(scope, outcome); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func runWrite(fn WriteFunc) (Outcome, error) {
	status, response, subjectID, err := fn()
	if err != nil {
		return Outcome{}, err
	}
	data, merr := json.Marshal(response)
	if merr != nil {
		return Outcome{}, fmt.Errorf("failed to encode write response: %w", merr)
	}
	out := Outcome{StatusCode: status, Response: data}
	if subjectID != "" {
		out.SubjectID = &subjectID
	}
	return out, nil
}

// checkExisting applies the read-path rules against a live record, if
// any. found is true when the caller should stop (replay or conflict).
func (l *Ledger) checkExisting(scope models.IdempotencyScope, hash string) (Outcome, bool, error) {
	rec, found, err := l.load(scope)
	if err != nil || !found {
		return Outcome{}, false, err
	}

	if rec.RequestHash != hash {
		return Outcome{}, false, models.Conflictf("idempotency key reused with a different payload")
	}
	if rec.ResponseSnapshot == nil {
		return Outcome{}, false, models.Conflictf("request in progress, retry later")
	}

	metrics.IdempotentReplays.Inc()
	return Outcome{
		StatusCode: rec.StatusCode,
		// Copy so callers can't mutate what later replays return.
		Response:  json.RawMessage(append([]byte(nil), rec.ResponseSnapshot...)),
		SubjectID: rec.SubjectID,
		Replayed:  true,
	}, true, nil
}

// load reads the live (non-expired) record for a scope. A nil
// ResponseSnapshot means the write is claimed but still in flight.
func (l *Ledger) load(scope models.IdempotencyScope) (models.IdempotencyRecord, bool, error) {
	rec := models.IdempotencyRecord{Scope: scope}
	var snapshot, subjectID sql.NullString
	err := l.db.QueryRow(`
		SELECT request_hash, status_code, response_snapshot, subject_id, created_at, expires_at
		FROM idempotency_record
		WHERE session_id = $1 AND activity_id = $2 AND actor_id = $3 AND client_key = $4 AND expires_at > $5
	`, scope.SessionID, scope.ActivityID, scope.ActorID, scope.ClientKey, time.Now().UTC()).Scan(
		&rec.RequestHash, &rec.StatusCode, &snapshot, &subjectID, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, &models.TransientStoreError{Message: "failed to query idempotency record", Err: err}
	}

	if snapshot.Valid {
		rec.ResponseSnapshot = []byte(snapshot.String)
	}
	if subjectID.Valid {
		s := subjectID.String
		rec.SubjectID = &s
	}
	return rec, true, nil
}

// claim inserts the in-flight record. Returns false when another writer
// holds the scope (unique constraint violation).
func (l *Ledger) claim(scope models.IdempotencyScope, hash string) (bool, error) {
	now := time.Now().UTC()
	_, err := l.db.Exec(`
		INSERT INTO idempotency_record (session_id, activity_id, actor_id, client_key, request_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, scope.SessionID, scope.ActivityID, scope.ActorID, scope.ClientKey, hash, now, now.Add(l.ttl))
	if err != nil {
		// Constraint violations and transient failures both land here;
		// the caller re-reads either way, which disambiguates.
		return false, nil
	}
	return true, nil
}

func (l *Ledger) complete(scope models.IdempotencyScope, out Outcome) error {
	now := time.Now().UTC()
	_, err := l.db.Exec(`
		UPDATE idempotency_record
		SET status_code = $1, response_snapshot = $2, subject_id = $3, expires_at = $4
		WHERE session_id = $5 AND activity_id = $6 AND actor_id = $7 AND client_key = $8
	`, out.StatusCode, string(out.Response), out.SubjectID, now.Add(l.ttl),
		scope.SessionID, scope.ActivityID, scope.ActorID, scope.ClientKey)
	if err != nil {
		return &models.TransientStoreError{Message: "failed to complete idempotency record", Err: err}
	}
	return nil
}

func (l *Ledger) release(scope models.IdempotencyScope) {
	_, err := l.db.Exec(`
		DELETE FROM idempotency_record
		WHERE session_id = $1 AND activity_id = $2 AND actor_id = $3 AND client_key = $4 AND response_snapshot IS NULL
	`, scope.SessionID, scope.ActivityID, scope.ActorID, scope.ClientKey)
	if err != nil {
		slog.Warn("failed to release idempotency claim", "error", err, "activity_id", scope.ActivityID)
	}
}

// pruneScope garbage-collects expired records for the scope's activity.
// Bounded, opportunistic; there is no background job.
func (l *Ledger) pruneScope(scope models.IdempotencyScope) {
	_, err := l.db.Exec(`
		DELETE FROM idempotency_record
		WHERE session_id = $1 AND activity_id = $2 AND expires_at <= $3
	`, scope.SessionID, scope.ActivityID, time.Now().UTC())
	if err != nil {
		slog.Warn("failed to prune idempotency records", "error", err, "activity_id", scope.ActivityID)
	}
}
