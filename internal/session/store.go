package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"classattend/internal/classkey"
	"classattend/internal/geo"
)

// PgStore persists sessions in Postgres. The create path serializes on a
// per-class-key advisory lock and re-validates the single-active-session
// predicate inside the same transaction, so two racing opens for
// overlapping keys cannot both succeed.
type PgStore struct {
	db *sql.DB
}

// NewPgStore creates a store.
func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{db: db}
}

const sessionColumns = `id, owner_id, department, year, section, period, start_time, end_time, status,
	geo_lat, geo_lng, geo_radius_m, token, token_expiry, token_enabled, require_verification,
	closed_by, close_reason, created_at`

// overlapPredicate matches active, unexpired sessions whose section overlaps
// the requested one. An empty section is a wildcard on either side.
const overlapPredicate = `
	lower(department) = lower($1) AND year = $2
	AND (section = '' OR $3 = '' OR lower(section) = lower($3))
	AND status = 'active' AND end_time > $4`

// Get returns a session by id.
func (s *PgStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// FindActiveOverlapping returns the active, unexpired session whose class
// key overlaps the given one, or nil when none exists.
func (s *PgStore) FindActiveOverlapping(ctx context.Context, key classkey.Key, now time.Time) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE `+overlapPredicate+` LIMIT 1`,
		key.Department, key.Year, key.Section, now)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// Create inserts the session after re-validating, under an advisory lock
// keyed by department+year, that no overlapping active session exists.
// Returns ErrActiveExists when the predicate fails.
func (s *PgStore) Create(ctx context.Context, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Wildcard sections overlap every concrete section of the same
	// department+year, so the lock key deliberately excludes the section.
	lockKey := strings.ToLower(fmt.Sprintf("session:%s:%d", sess.Key.Department, sess.Key.Year))
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return fmt.Errorf("acquire class lock: %w", err)
	}

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE `+overlapPredicate+` LIMIT 1`,
		sess.Key.Department, sess.Key.Year, sess.Key.Section, sess.StartTime).Scan(&one)
	if err == nil {
		return ErrActiveExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var lat, lng, radius sql.NullFloat64
	if sess.Geofence != nil {
		lat = sql.NullFloat64{Float64: sess.Geofence.Center.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: sess.Geofence.Center.Lng, Valid: true}
		radius = sql.NullFloat64{Float64: sess.Geofence.RadiusM, Valid: true}
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO sessions
			(id, owner_id, department, year, section, period, start_time, end_time, status,
			 geo_lat, geo_lng, geo_radius_m, token, token_expiry, token_enabled, require_verification)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at
	`, sess.ID, sess.Owner, sess.Key.Department, sess.Key.Year, sess.Key.Section, sess.Period,
		sess.StartTime, sess.EndTime, sess.Status, lat, lng, radius,
		sess.Token, nullTime(sess.TokenExpiry), sess.TokenEnabled, sess.RequireVerification)
	if err := row.Scan(&sess.CreatedAt); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return tx.Commit()
}

// Close transitions the session to closed with audit fields, but only if it
// is still active. Returns false when the row was already closed, which
// makes the expiry sweep and a concurrent manual close converge safely.
func (s *PgStore) Close(ctx context.Context, id, closedBy, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = 'closed', end_time = $2, closed_by = $3, close_reason = $4
		WHERE id = $1 AND status = 'active'
	`, id, at, closedBy, reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateToken rotates the token fields on an active session.
func (s *PgStore) UpdateToken(ctx context.Context, id, token string, expiry time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET token = $2, token_expiry = $3, token_enabled = TRUE
		WHERE id = $1 AND status = 'active'
	`, id, token, expiry)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListExpired returns active sessions whose deadline has passed.
func (s *PgStore) ListExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND end_time <= $1
		ORDER BY end_time
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListByOwner returns a staff actor's sessions, newest first.
func (s *PgStore) ListByOwner(ctx context.Context, owner string, limit, offset int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, owner, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess             Session
		lat, lng, radius sql.NullFloat64
		tokenExpiry      sql.NullTime
		closedBy, reason sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.Owner, &sess.Key.Department, &sess.Key.Year, &sess.Key.Section,
		&sess.Period, &sess.StartTime, &sess.EndTime, &sess.Status,
		&lat, &lng, &radius, &sess.Token, &tokenExpiry, &sess.TokenEnabled, &sess.RequireVerification,
		&closedBy, &reason, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid && radius.Valid {
		sess.Geofence = &Geofence{Center: geo.Point{Lat: lat.Float64, Lng: lng.Float64}, RadiusM: radius.Float64}
	}
	if tokenExpiry.Valid {
		sess.TokenExpiry = tokenExpiry.Time
	}
	sess.ClosedBy = closedBy.String
	sess.CloseReason = reason.String
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var res []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sess)
	}
	return res, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
