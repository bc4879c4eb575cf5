package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store persists presence records in Postgres. The uniqueness invariant on
// (student_id, date, period) lives in the database, not here: concurrent
// claims and reconcile sweeps race on the same triple, and only the unique
// index resolves that race deterministically.
type Store struct {
	db *sql.DB
}

// NewStore creates a store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert writes a new record. A uniqueness violation surfaces as
// ErrDuplicate so callers can distinguish the benign double-write case.
func (s *Store) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	rec.Date = DateOf(rec.Date)
	rec.Period = ResolvePeriod(rec.Period)

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO presence_records
			(id, student_id, date, period, recorded_at, status, photo_url, liveness, verified, marked_by, manual)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.Date, rec.Period, rec.RecordedAt, rec.Status,
		rec.PhotoURL, rec.Liveness, rec.Verified, rec.MarkedBy, rec.Manual)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("insert presence: %w", err)
	}
	return rec, nil
}

// Exists reports whether a record for the triple is present.
func (s *Store) Exists(ctx context.Context, studentID string, date time.Time, period string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM presence_records
		WHERE student_id = $1 AND date = $2 AND period = $3
	`, studentID, DateOf(date), ResolvePeriod(period)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a record by id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, student_id, date, period, recorded_at, status, photo_url, liveness, verified, marked_by, manual, created_at
		FROM presence_records WHERE id = $1
	`, id)
	var rec Record
	if err := scanRecord(row, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// StudentsMarked returns the set of students with any record for the given
// day and period. Reconciliation subtracts this set from the roster.
func (s *Store) StudentsMarked(ctx context.Context, date time.Time, period string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT student_id FROM presence_records
		WHERE date = $1 AND period = $2
	`, DateOf(date), ResolvePeriod(period))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marked := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		marked[id] = struct{}{}
	}
	return marked, rows.Err()
}

// UpdateStatus changes a record's status. Only the actor who marked the
// record may change it.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, actor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE presence_records SET status = $2 WHERE id = $1 AND marked_by = $3
	`, id, status, actor)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Distinguish missing from cross-ownership.
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrForbidden
}

// ListForStudent returns records for a student, newest first.
func (s *Store) ListForStudent(ctx context.Context, studentID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, student_id, date, period, recorded_at, status, photo_url, liveness, verified, marked_by, manual, created_at
		FROM presence_records
		WHERE student_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3
	`, studentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows, &rec); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, rec *Record) error {
	return row.Scan(&rec.ID, &rec.StudentID, &rec.Date, &rec.Period, &rec.RecordedAt,
		&rec.Status, &rec.PhotoURL, &rec.Liveness, &rec.Verified, &rec.MarkedBy, &rec.Manual, &rec.CreatedAt)
}
