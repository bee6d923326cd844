//go:build testutil
// +build testutil

package attendance_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/attendance"
	"qrattend/internal/testutil/testdb"
)

func seedTeacher(t *testing.T, db *sql.DB, name, email string) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO teachers (id, name, email) VALUES ($1, $2, $3)`, id, name, email); err != nil {
		t.Fatal(err)
	}
	return id
}

func seedCourse(t *testing.T, db *sql.DB, name, teacherID string) string {
	t.Helper()
	id := uuid.NewString()
	if _, err := db.Exec(`
		INSERT INTO courses (id, name, teacher_id, schedule_start, schedule_end, weekdays)
		VALUES ($1, $2, $3, '09:00:00', '10:30:00', '{monday,wednesday}')
	`, id, name, teacherID); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	repo := attendance.NewRepository(h.DB)
	teacherID := seedTeacher(t, h.DB, "Amina Okoro", "amina@school.test")
	courseID := seedCourse(t, h.DB, "Mathematics", teacherID)

	now := time.Now().UTC().Truncate(time.Second)
	day := now.Format("2006-01-02")
	from := now.Add(-time.Hour)
	to := now.Add(time.Hour)

	if sess, err := repo.LatestSessionBetween(ctx, teacherID, courseID, from, to); err != nil || sess != nil {
		t.Fatalf("expected no session yet, got %v / %v", sess, err)
	}

	inserted, err := repo.InsertSession(ctx, attendance.Session{
		ID: uuid.NewString(), TeacherID: teacherID, CourseID: courseID,
		Day: day, CheckIn: &now, Status: attendance.StatusPresent,
	})
	if err != nil {
		t.Fatal(err)
	}

	latest, err := repo.LatestSessionBetween(ctx, teacherID, courseID, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.ID != inserted.ID {
		t.Fatalf("expected inserted session back, got %+v", latest)
	}
	if latest.CheckIn == nil || !latest.CheckIn.Equal(now) {
		t.Fatalf("check_in mismatch: %+v", latest.CheckIn)
	}
	if latest.Day != day {
		t.Fatalf("day mismatch: %q vs %q", latest.Day, day)
	}

	out := now.Add(90 * time.Minute)
	if err := repo.CloseSession(ctx, inserted.ID, out); err != nil {
		t.Fatal(err)
	}
	// check_out is immutable: a second close touches nothing.
	if err := repo.CloseSession(ctx, inserted.ID, out.Add(time.Hour)); !errors.Is(err, attendance.ErrDuplicateAttendance) {
		t.Fatalf("expected ErrDuplicateAttendance, got %v", err)
	}
	latest, _ = repo.LatestSessionBetween(ctx, teacherID, courseID, from, to.Add(3*time.Hour))
	if latest.CheckOut == nil || !latest.CheckOut.Equal(out) {
		t.Fatalf("check_out overwritten: %+v", latest.CheckOut)
	}
}

func TestOpenSessionUniqueIndex(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	repo := attendance.NewRepository(h.DB)
	teacherID := seedTeacher(t, h.DB, "Ben Tan", "ben@school.test")
	courseID := seedCourse(t, h.DB, "Physics", teacherID)

	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	open := attendance.Session{
		ID: uuid.NewString(), TeacherID: teacherID, CourseID: courseID,
		Day: day, CheckIn: &now, Status: attendance.StatusPresent,
	}
	if _, err := repo.InsertSession(ctx, open); err != nil {
		t.Fatal(err)
	}

	dup := open
	dup.ID = uuid.NewString()
	if _, err := repo.InsertSession(ctx, dup); err == nil {
		t.Fatal("second open session for the same key/day must violate the index")
	}
}

func TestListDayAndDelete(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	repo := attendance.NewRepository(h.DB)
	teacherID := seedTeacher(t, h.DB, "Amina Okoro", "amina@school.test")
	courseID := seedCourse(t, h.DB, "Mathematics", teacherID)

	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	late := attendance.Session{
		ID: uuid.NewString(), TeacherID: teacherID, CourseID: courseID,
		Day: day, CheckIn: &now, Status: attendance.StatusLate,
	}
	if _, err := repo.InsertSession(ctx, late); err != nil {
		t.Fatal(err)
	}

	from := now.Add(-time.Hour)
	to := now.Add(time.Hour)

	rows, err := repo.ListDay(ctx, from, to, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].TeacherName != "Amina Okoro" || rows[0].CourseName != "Mathematics" {
		t.Fatalf("join fields wrong: %+v", rows[0])
	}

	rows, err = repo.ListDay(ctx, from, to, "present")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatal("status filter should exclude the late row")
	}

	found, err := repo.DeleteSession(ctx, late.ID)
	if err != nil || !found {
		t.Fatalf("delete failed: %v %v", found, err)
	}
	rows, _ = repo.ListDay(ctx, from, to, "")
	if len(rows) != 0 {
		t.Fatal("deleted session still listed")
	}
	found, err = repo.DeleteSession(ctx, late.ID)
	if err != nil || found {
		t.Fatalf("second delete should find nothing: %v %v", found, err)
	}
}

func TestAuditInsert(t *testing.T) {
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	repo := attendance.NewRepository(h.DB)
	teacherID := seedTeacher(t, h.DB, "Ben Tan", "ben@school.test")
	courseID := seedCourse(t, h.DB, "Physics", teacherID)

	now := time.Now().UTC()
	sess, err := repo.InsertSession(ctx, attendance.Session{
		ID: uuid.NewString(), TeacherID: teacherID, CourseID: courseID,
		Day: now.Format("2006-01-02"), CheckIn: &now, Status: attendance.StatusPresent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertAudit(ctx, sess, attendance.EventOpened, now); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := h.DB.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE session_id = $1`, sess.ID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit row, got %d", count)
	}
}
