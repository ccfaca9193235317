package session

import (
	"database/sql"
	"time"

	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/ingest"
)

// Store persists session aggregates and per-record outcomes so the
// reporting/export collaborator can build result lists after the fact and
// attach still works for recently-completed sessions across restarts.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store over an open database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InitSchema creates the session tables if they do not exist
func InitSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS import_sessions (
			id           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			total        INTEGER NOT NULL DEFAULT 0,
			processed    INTEGER NOT NULL DEFAULT 0,
			succeeded    INTEGER NOT NULL DEFAULT 0,
			failed       INTEGER NOT NULL DEFAULT 0,
			skipped      INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL,
			started_at   TIMESTAMP,
			completed_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS import_records (
			session_id        TEXT NOT NULL,
			line_number       INTEGER NOT NULL,
			unique_value      TEXT NOT NULL,
			outcome           TEXT NOT NULL,
			population_id     TEXT,
			population_source TEXT,
			error_detail      TEXT,
			retry_count       INTEGER NOT NULL DEFAULT 0,
			identity_id       TEXT,
			resolved_at       TIMESTAMP,
			PRIMARY KEY (session_id, line_number)
		);

		CREATE INDEX IF NOT EXISTS idx_import_records_session
			ON import_records(session_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create session schema")
	}
	return nil
}

// SaveSession upserts a session aggregate snapshot
func (s *Store) SaveSession(snap Snapshot) error {
	query := `
		INSERT INTO import_sessions (
			id, status, total, processed, succeeded, failed, skipped,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status       = excluded.status,
			processed    = excluded.processed,
			succeeded    = excluded.succeeded,
			failed       = excluded.failed,
			skipped      = excluded.skipped,
			started_at   = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.Exec(query,
		snap.ID,
		snap.Status,
		snap.Counts.Total,
		snap.Counts.Processed,
		snap.Counts.Succeeded,
		snap.Counts.Failed,
		snap.Counts.Skipped,
		snap.CreatedAt,
		snap.StartedAt,
		snap.CompletedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save session %s", snap.ID)
	}
	return nil
}

// GetSession retrieves a persisted session snapshot by id
func (s *Store) GetSession(id string) (*Snapshot, error) {
	query := `
		SELECT id, status, total, processed, succeeded, failed, skipped,
		       created_at, started_at, completed_at
		FROM import_sessions WHERE id = ?
	`

	var snap Snapshot
	var status string
	err := s.db.QueryRow(query, id).Scan(
		&snap.ID,
		&status,
		&snap.Counts.Total,
		&snap.Counts.Processed,
		&snap.Counts.Succeeded,
		&snap.Counts.Failed,
		&snap.Counts.Skipped,
		&snap.CreatedAt,
		&snap.StartedAt,
		&snap.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrSessionNotFound, "session %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get session %s", id)
	}

	snap.Status = Status(status)
	return &snap, nil
}

// SaveRecord upserts one record outcome
func (s *Store) SaveRecord(sessionID string, rec *ingest.Record) error {
	query := `
		INSERT INTO import_records (
			session_id, line_number, unique_value, outcome,
			population_id, population_source, error_detail,
			retry_count, identity_id, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, line_number) DO UPDATE SET
			outcome           = excluded.outcome,
			population_id     = excluded.population_id,
			population_source = excluded.population_source,
			error_detail      = excluded.error_detail,
			retry_count       = excluded.retry_count,
			identity_id       = excluded.identity_id,
			resolved_at       = excluded.resolved_at
	`

	populationID := sql.NullString{String: rec.ResolvedPopulationID, Valid: rec.ResolvedPopulationID != ""}
	identityID := sql.NullString{String: rec.IdentityID, Valid: rec.IdentityID != ""}

	_, err := s.db.Exec(query,
		sessionID,
		rec.LineNumber,
		rec.UniqueValue,
		rec.Outcome,
		populationID,
		rec.PopulationSource,
		rec.ErrorDetail,
		rec.RetryCount,
		identityID,
		rec.ResolvedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save record %d of session %s", rec.LineNumber, sessionID)
	}
	return nil
}

// ListRecords returns the persisted record outcomes for a session in line
// order - the raw material for a downloadable result list
func (s *Store) ListRecords(sessionID string) ([]*ingest.Record, error) {
	query := `
		SELECT line_number, unique_value, outcome,
		       population_id, population_source, error_detail,
		       retry_count, identity_id, resolved_at
		FROM import_records
		WHERE session_id = ?
		ORDER BY line_number
	`

	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list records for session %s", sessionID)
	}
	defer rows.Close()

	var records []*ingest.Record
	for rows.Next() {
		var rec ingest.Record
		var outcome string
		var populationID, identityID sql.NullString
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&rec.LineNumber,
			&rec.UniqueValue,
			&outcome,
			&populationID,
			&rec.PopulationSource,
			&rec.ErrorDetail,
			&rec.RetryCount,
			&identityID,
			&resolvedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan record row")
		}

		rec.Outcome = ingest.Outcome(outcome)
		rec.ResolvedPopulationID = populationID.String
		rec.IdentityID = identityID.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			rec.ResolvedAt = &t
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate record rows")
	}
	return records, nil
}

// CleanupOldSessions deletes terminal sessions (and their records) whose
// completion is older than the given duration. Returns how many sessions
// were removed.
func (s *Store) CleanupOldSessions(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	if _, err := s.db.Exec(`
		DELETE FROM import_records WHERE session_id IN (
			SELECT id FROM import_sessions
			WHERE completed_at IS NOT NULL AND completed_at < ?
		)
	`, cutoff); err != nil {
		return 0, errors.Wrap(err, "failed to delete old session records")
	}

	res, err := s.db.Exec(`
		DELETE FROM import_sessions
		WHERE completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old sessions")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted sessions")
	}
	return int(affected), nil
}
