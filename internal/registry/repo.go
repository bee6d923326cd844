package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Teacher is an identity record. QRHash/QRURL describe the most recently
// issued credential and are derived data, never set directly by callers.
type Teacher struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     *string   `json:"phone,omitempty"`
	QRHash    *string   `json:"qr_hash,omitempty"`
	QRURL     *string   `json:"qr_url,omitempty"`
	QRPayload *string   `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Course is a scheduling record. TeacherID is a weak reference: deleting the
// teacher leaves the course with no assignee. Schedule times are wall-clock
// "HH:MM:SS" strings; Weekdays holds lowercase weekday names.
type Course struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   *string   `json:"description,omitempty"`
	TeacherID     *string   `json:"teacher_id,omitempty"`
	ScheduleStart string    `json:"schedule_start"`
	ScheduleEnd   string    `json:"schedule_end"`
	Weekdays      []string  `json:"weekdays"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Repository persists teachers and courses in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// InsertTeacher writes a new teacher, assigning an id when absent.
func (r *Repository) InsertTeacher(ctx context.Context, t Teacher) (Teacher, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO teachers (id, name, email, phone, qr_hash, qr_url, qr_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, t.ID, t.Name, t.Email, t.Phone, t.QRHash, t.QRURL, t.QRPayload)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return Teacher{}, err
	}
	return t, nil
}

// TeacherByID returns a teacher or nil when the id does not resolve.
func (r *Repository) TeacherByID(ctx context.Context, id string) (*Teacher, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, qr_hash, qr_url, qr_payload, created_at, updated_at
		FROM teachers WHERE id = $1
	`, id)
	var t Teacher
	if err := row.Scan(&t.ID, &t.Name, &t.Email, &t.Phone, &t.QRHash, &t.QRURL, &t.QRPayload, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListTeachers returns all teachers ordered by name.
func (r *Repository) ListTeachers(ctx context.Context) ([]Teacher, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, email, phone, qr_hash, qr_url, qr_payload, created_at, updated_at
		FROM teachers ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Teacher
	for rows.Next() {
		var t Teacher
		if err := rows.Scan(&t.ID, &t.Name, &t.Email, &t.Phone, &t.QRHash, &t.QRURL, &t.QRPayload, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTeacher updates the profile fields of an existing teacher.
func (r *Repository) UpdateTeacher(ctx context.Context, t Teacher) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE teachers
		SET name = $2, email = $3, phone = $4, updated_at = NOW()
		WHERE id = $1
	`, t.ID, t.Name, t.Email, t.Phone)
	return err
}

// SetTeacherCredential records the issued credential's hash, payload and
// hosted image URL.
func (r *Repository) SetTeacherCredential(ctx context.Context, id, hash, payload string, url *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE teachers SET qr_hash = $2, qr_payload = $3, qr_url = $4, updated_at = NOW() WHERE id = $1
	`, id, hash, payload, url)
	return err
}

// DeleteTeacher removes a teacher. Courses keep existing with teacher_id NULL.
func (r *Repository) DeleteTeacher(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM teachers WHERE id = $1`, id)
	return err
}

// InsertCourse writes a new course, assigning an id when absent.
func (r *Repository) InsertCourse(ctx context.Context, c Course) (Course, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO courses (id, name, description, teacher_id, schedule_start, schedule_end, weekdays)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, c.ID, c.Name, c.Description, c.TeacherID, c.ScheduleStart, c.ScheduleEnd, pq.Array(c.Weekdays))
	if err := row.Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return Course{}, err
	}
	return c, nil
}

// CourseByID returns a course or nil when the id does not resolve.
func (r *Repository) CourseByID(ctx context.Context, id string) (*Course, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, teacher_id, schedule_start, schedule_end, weekdays, created_at, updated_at
		FROM courses WHERE id = $1
	`, id)
	var c Course
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.TeacherID, &c.ScheduleStart, &c.ScheduleEnd,
		pq.Array(&c.Weekdays), &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListCourses returns all courses ordered by name.
func (r *Repository) ListCourses(ctx context.Context) ([]Course, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, teacher_id, schedule_start, schedule_end, weekdays, created_at, updated_at
		FROM courses ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.TeacherID, &c.ScheduleStart, &c.ScheduleEnd,
			pq.Array(&c.Weekdays), &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCourse updates an existing course.
func (r *Repository) UpdateCourse(ctx context.Context, c Course) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE courses
		SET name = $2, description = $3, teacher_id = $4, schedule_start = $5, schedule_end = $6,
		    weekdays = $7, updated_at = NOW()
		WHERE id = $1
	`, c.ID, c.Name, c.Description, c.TeacherID, c.ScheduleStart, c.ScheduleEnd, pq.Array(c.Weekdays))
	return err
}

// DeleteCourse removes a course.
func (r *Repository) DeleteCourse(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM courses WHERE id = $1`, id)
	return err
}

// CoursesScheduledOn returns courses recurring on the given weekday that have
// an assigned teacher. Used by the end-of-day absent sweep.
func (r *Repository) CoursesScheduledOn(ctx context.Context, weekday string) ([]Course, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, teacher_id, schedule_start, schedule_end, weekdays, created_at, updated_at
		FROM courses
		WHERE teacher_id IS NOT NULL AND $1 = ANY(weekdays)
		ORDER BY name
	`, weekday)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Course
	for rows.Next() {
		var c Course
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.TeacherID, &c.ScheduleStart, &c.ScheduleEnd,
			pq.Array(&c.Weekdays), &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
