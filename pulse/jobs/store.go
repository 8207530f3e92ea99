package jobs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/publish/errors"
)

// Store handles persistence of publishing jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `handle, name, category, owner, state, processed, total, expiry,
	outcome, stop_requested_by, messages, request, error,
	created_at, started_at, finished_at, updated_at`

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(st Status) error {
	messages, err := marshalMessages(st.Messages)
	if err != nil {
		return err
	}

	query := `INSERT INTO publish_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.Exec(query,
		st.Handle,
		st.Name,
		st.Category,
		st.Owner,
		st.State,
		st.Processed,
		st.Total,
		nullTime(st.Expiry),
		st.Outcome,
		st.StopRequestedBy,
		messages,
		nullString(string(st.Request)),
		nullString(st.Error),
		st.CreatedAt,
		nullTime(st.StartedAt),
		nullTime(st.FinishedAt),
		st.UpdatedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetail(err, fmt.Sprintf("Job handle: %s", st.Handle))
	}

	return nil
}

// UpdateJob writes the mutable fields of a job
func (s *Store) UpdateJob(st Status) error {
	messages, err := marshalMessages(st.Messages)
	if err != nil {
		return err
	}

	query := `
		UPDATE publish_jobs
		SET state = ?,
		    processed = ?,
		    total = ?,
		    expiry = ?,
		    outcome = ?,
		    stop_requested_by = COALESCE(NULLIF(?, ''), stop_requested_by),
		    messages = ?,
		    error = ?,
		    started_at = ?,
		    finished_at = ?,
		    updated_at = ?
		WHERE handle = ?
	`

	result, err := s.db.Exec(query,
		st.State,
		st.Processed,
		st.Total,
		nullTime(st.Expiry),
		st.Outcome,
		st.StopRequestedBy,
		messages,
		nullString(st.Error),
		nullTime(st.StartedAt),
		nullTime(st.FinishedAt),
		st.UpdatedAt,
		st.Handle,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		return errors.WithDetail(err, fmt.Sprintf("Job handle: %s", st.Handle))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", st.Handle)
	}

	return nil
}

// GetJob retrieves a job by handle
func (s *Store) GetJob(handle string) (Status, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM publish_jobs WHERE handle = ?`, handle)

	st, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, errors.NewNotFoundError("job %s", handle)
	}
	if err != nil {
		return Status{}, errors.Wrap(err, "failed to get job")
	}

	return st, nil
}

// ListJobs returns jobs newest first, optionally filtered by state.
// limit <= 0 means no limit.
func (s *Store) ListJobs(state *State, limit int) ([]Status, error) {
	query := `SELECT ` + jobColumns + ` FROM publish_jobs`
	var args []interface{}

	if state != nil {
		query += ` WHERE state = ?`
		args = append(args, *state)
	}
	query += ` ORDER BY created_at DESC, handle`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var out []Status
	for rows.Next() {
		st, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		out = append(out, st)
	}

	return out, errors.Wrap(rows.Err(), "failed to iterate jobs")
}

// CleanupOldJobs deletes finished jobs beyond the newest keep. Returns the
// number of deleted rows.
func (s *Store) CleanupOldJobs(keep int) (int64, error) {
	if keep < 0 {
		return 0, errors.NewInvalidRequestError("keep must be >= 0, got %d", keep)
	}

	result, err := s.db.Exec(`
		DELETE FROM publish_jobs
		WHERE state = ?
		  AND handle NOT IN (
			SELECT handle FROM publish_jobs
			WHERE state = ?
			ORDER BY finished_at DESC
			LIMIT ?
		  )`, StateFinished, StateFinished, keep)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old jobs")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return deleted, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (Status, error) {
	var st Status
	var (
		expiry, startedAt, finishedAt sql.NullTime
		request, errText              sql.NullString
		messages                      string
	)

	err := row.Scan(
		&st.Handle,
		&st.Name,
		&st.Category,
		&st.Owner,
		&st.State,
		&st.Processed,
		&st.Total,
		&expiry,
		&st.Outcome,
		&st.StopRequestedBy,
		&messages,
		&request,
		&errText,
		&st.CreatedAt,
		&startedAt,
		&finishedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return Status{}, err
	}

	st.Expiry = expiry.Time
	st.StartedAt = startedAt.Time
	st.FinishedAt = finishedAt.Time
	st.Error = errText.String
	if request.Valid && request.String != "" {
		st.Request = json.RawMessage(request.String)
	}
	if err := json.Unmarshal([]byte(messages), &st.Messages); err != nil {
		return Status{}, errors.Wrapf(err, "malformed messages for job %s", st.Handle)
	}

	return st, nil
}

func marshalMessages(messages []string) (string, error) {
	if messages == nil {
		return "[]", nil
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal job messages")
	}
	return string(data), nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// MarkRunning persists a queued job as running. Returns false when the row is
// no longer queued, meaning another process cancelled it first.
func (s *Store) MarkRunning(st Status) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE publish_jobs
		SET state = ?, expiry = ?, started_at = ?, updated_at = ?
		WHERE handle = ? AND state = ?`,
		StateRunning, nullTime(st.Expiry), nullTime(st.StartedAt), st.UpdatedAt,
		st.Handle, StateQueued)
	if err != nil {
		err = errors.Wrap(err, "failed to mark job running")
		return false, errors.WithDetail(err, fmt.Sprintf("Job handle: %s", st.Handle))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	return rows == 1, nil
}

// RequestStop records an operator cancel for a job owned by another process.
// A queued job is finished on the spot; a running job gets its expiry set to
// now and is wound down by its owner at the next poll.
func (s *Store) RequestStop(handle, user string, now time.Time) (Status, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Status{}, errors.Wrap(err, "failed to begin cancel")
	}
	defer tx.Rollback()

	st, err := scanJob(tx.QueryRow(`SELECT `+jobColumns+` FROM publish_jobs WHERE handle = ?`, handle))
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, errors.NewNotFoundError("job %s", handle)
	}
	if err != nil {
		return Status{}, errors.Wrap(err, "failed to get job")
	}

	now = now.UTC()
	switch st.State {
	case StateFinished:
		return st, errors.Wrapf(errors.ErrConflict, "job %s already finished", handle)

	case StateQueued:
		st.State = StateFinished
		st.Outcome = OutcomeCanceled
		st.StopRequestedBy = user
		st.Messages = append(st.Messages, forcedFinishMessage(user))
		st.FinishedAt = now
		st.UpdatedAt = now
		messages, err := marshalMessages(st.Messages)
		if err != nil {
			return Status{}, err
		}
		_, err = tx.Exec(`
			UPDATE publish_jobs
			SET state = ?, outcome = ?, stop_requested_by = ?, messages = ?, finished_at = ?, updated_at = ?
			WHERE handle = ?`,
			st.State, st.Outcome, st.StopRequestedBy, messages, st.FinishedAt, st.UpdatedAt, handle)
		if err != nil {
			return Status{}, errors.Wrap(err, "failed to cancel queued job")
		}

	default:
		st.StopRequestedBy = user
		st.Expiry = now
		st.UpdatedAt = now
		_, err = tx.Exec(`
			UPDATE publish_jobs
			SET stop_requested_by = ?, expiry = ?, updated_at = ?
			WHERE handle = ?`,
			user, now, now, handle)
		if err != nil {
			return Status{}, errors.Wrap(err, "failed to request stop")
		}
	}

	if err := tx.Commit(); err != nil {
		return Status{}, errors.Wrap(err, "failed to commit cancel")
	}
	return st, nil
}

// UpdateProgress writes the counters of a running job
func (s *Store) UpdateProgress(handle string, processed, total int64) error {
	_, err := s.db.Exec(`
		UPDATE publish_jobs SET processed = ?, total = ?, updated_at = ?
		WHERE handle = ? AND state = ?`,
		processed, total, time.Now().UTC(), handle, StateRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to update progress of job %s", handle)
	}
	return nil
}
