package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists attendance sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionCols = `id, teacher_id, course_id, day, check_in, check_out, status, created_at, updated_at`

// LatestSessionBetween returns the newest session for the key whose creation
// time falls inside [from, to], or nil when none exists.
func (r *Repository) LatestSessionBetween(ctx context.Context, teacherID, courseID string, from, to time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+`
		FROM attendance_sessions
		WHERE teacher_id = $1 AND course_id = $2 AND created_at >= $3 AND created_at <= $4
		ORDER BY created_at DESC
		LIMIT 1
	`, teacherID, courseID, from, to)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// GetSession returns a single session by id, or nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM attendance_sessions WHERE id = $1
	`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// InsertSession writes a new session row.
func (r *Repository) InsertSession(ctx context.Context, s Session) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (id, teacher_id, course_id, day, check_in, check_out, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, s.ID, s.TeacherID, s.CourseID, s.Day, s.CheckIn, s.CheckOut, s.Status)
	if err := row.Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// CloseSession sets check_out on an open session. The WHERE clause refuses
// to touch a row that already has one, keeping check_out immutable.
func (r *Repository) CloseSession(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET check_out = $2, updated_at = NOW()
		WHERE id = $1 AND check_out IS NULL
	`, id, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateAttendance
	}
	return nil
}

// DeleteSession removes a session, reporting whether a row existed.
func (r *Repository) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_sessions WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListDay returns a day's sessions joined with teacher and course display
// fields, newest first. status "" disables the filter.
func (r *Repository) ListDay(ctx context.Context, from, to time.Time, status string) ([]Row, error) {
	query := `
		SELECT s.id, s.teacher_id, s.course_id, s.day, s.check_in, s.check_out, s.status,
		       s.created_at, s.updated_at, t.name, t.email, c.name
		FROM attendance_sessions s
		JOIN teachers t ON t.id = s.teacher_id
		JOIN courses c ON c.id = s.course_id
		WHERE s.created_at >= $1 AND s.created_at <= $2`
	args := []any{from, to}
	if status != "" {
		query += fmt.Sprintf(" AND s.status = $%d", len(args)+1)
		args = append(args, status)
	}
	query += " ORDER BY s.created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Row
	for rows.Next() {
		var row Row
		var day time.Time
		if err := rows.Scan(&row.ID, &row.TeacherID, &row.CourseID, &day, &row.CheckIn, &row.CheckOut,
			&row.Status, &row.CreatedAt, &row.UpdatedAt, &row.TeacherName, &row.TeacherEmail, &row.CourseName); err != nil {
			return nil, err
		}
		row.Day = day.Format("2006-01-02")
		res = append(res, row)
	}
	return res, rows.Err()
}

// InsertAudit appends a session lifecycle event to the audit trail.
func (r *Repository) InsertAudit(ctx context.Context, s Session, event string, occurredAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (session_id, teacher_id, course_id, event, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.TeacherID, s.CourseID, event, s.Status, occurredAt)
	return err
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	var day time.Time
	if err := row.Scan(&s.ID, &s.TeacherID, &s.CourseID, &day, &s.CheckIn, &s.CheckOut,
		&s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Day = day.Format("2006-01-02")
	return &s, nil
}
