package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/registry"
)

// Status of a session, fixed at creation and never recomputed.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Session is one teacher's attendance record for one course on one calendar
// day. A session is open while CheckIn is set and CheckOut is not; CheckOut,
// once set, is never cleared.
type Session struct {
	ID        string     `json:"id"`
	TeacherID string     `json:"teacher_id"`
	CourseID  string     `json:"course_id"`
	Day       string     `json:"day"`
	CheckIn   *time.Time `json:"check_in,omitempty"`
	CheckOut  *time.Time `json:"check_out,omitempty"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Row is a session joined with display fields for the record browser.
type Row struct {
	Session
	TeacherName  string `json:"teacher_name"`
	TeacherEmail string `json:"teacher_email"`
	CourseName   string `json:"course_name"`
}

// Session lifecycle events published for the audit trail.
const (
	EventOpened = "session.opened"
	EventClosed = "session.closed"
)

// Store is the record-store surface the manager needs. Every decision
// re-reads current state through it; no session is cached between calls.
type Store interface {
	LatestSessionBetween(ctx context.Context, teacherID, courseID string, from, to time.Time) (*Session, error)
	InsertSession(ctx context.Context, s Session) (Session, error)
	CloseSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) (bool, error)
	ListDay(ctx context.Context, from, to time.Time, status string) ([]Row, error)
}

// Directory resolves scanned ids against the registry.
type Directory interface {
	TeacherByID(ctx context.Context, id string) (*registry.Teacher, error)
	CourseByID(ctx context.Context, id string) (*registry.Course, error)
	CoursesScheduledOn(ctx context.Context, weekday string) ([]registry.Course, error)
}

// Locker serializes RecordScan per (teacher, course, day) key so the
// read-then-write inside cannot interleave with a concurrent scan.
type Locker interface {
	AcquireScanLock(ctx context.Context, teacherID, courseID, day string) (release func(), ok bool, err error)
}

// ScanResult reports a processed scan upward.
type ScanResult struct {
	Session Session
	Teacher registry.Teacher
	Event   string
	Message string
}

// Service owns the check-in/check-out state machine.
type Service struct {
	store Store
	dir   Directory
	locks Locker
	loc   *time.Location
	now   func() time.Time
}

// NewService creates the session manager. locks may be nil in tests; the
// production wiring always passes the Redis-backed guard.
func NewService(store Store, dir Directory, locks Locker, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: store, dir: dir, locks: locks, loc: loc, now: time.Now}
}

// RecordScan is the single entry point for every decoded scan. Intent is
// inferred from current state: no session today opens one, an open session
// closes, a closed session is a duplicate. Status is decided here, at
// check-in, and never revisited.
func (s *Service) RecordScan(ctx context.Context, teacherID, courseID string) (ScanResult, error) {
	teacher, err := s.dir.TeacherByID(ctx, teacherID)
	if err != nil {
		return ScanResult{}, err
	}
	if teacher == nil {
		return ScanResult{}, ErrTeacherNotFound
	}
	course, err := s.dir.CourseByID(ctx, courseID)
	if err != nil {
		return ScanResult{}, err
	}
	if course == nil {
		return ScanResult{}, ErrCourseNotFound
	}

	now := s.now().In(s.loc)
	day := now.Format("2006-01-02")

	if s.locks != nil {
		release, ok, err := s.locks.AcquireScanLock(ctx, teacherID, courseID, day)
		if err != nil {
			return ScanResult{}, err
		}
		if !ok {
			return ScanResult{}, ErrScanInProgress
		}
		defer release()
	}

	from, to := dayWindow(now)
	latest, err := s.store.LatestSessionBetween(ctx, teacherID, courseID, from, to)
	if err != nil {
		return ScanResult{}, err
	}

	switch {
	case latest == nil:
		sess := Session{
			ID:        uuid.NewString(),
			TeacherID: teacherID,
			CourseID:  courseID,
			Day:       day,
			CheckIn:   &now,
			Status:    StatusAt(now, course.ScheduleStart),
		}
		sess, err = s.store.InsertSession(ctx, sess)
		if err != nil {
			return ScanResult{}, err
		}
		return ScanResult{
			Session: sess,
			Teacher: *teacher,
			Event:   EventOpened,
			Message: fmt.Sprintf("Check-in recorded for %s at %s", teacher.Name, now.Format("15:04:05")),
		}, nil

	case latest.CheckIn != nil && latest.CheckOut == nil:
		if err := s.store.CloseSession(ctx, latest.ID, now); err != nil {
			return ScanResult{}, err
		}
		latest.CheckOut = &now
		return ScanResult{
			Session: *latest,
			Teacher: *teacher,
			Event:   EventClosed,
			Message: fmt.Sprintf("Check-out recorded for %s at %s", teacher.Name, now.Format("15:04:05")),
		}, nil

	default:
		// Closed, or already resolved as absent by the sweep.
		return ScanResult{}, ErrDuplicateAttendance
	}
}

// ListDay returns a day's sessions, newest first, optionally filtered by
// status. date is "2006-01-02" in the service's location; "" or "all"
// disables the filter.
func (s *Service) ListDay(ctx context.Context, date, status string) ([]Row, error) {
	day, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}
	switch Status(status) {
	case "", "all", StatusPresent, StatusLate, StatusAbsent:
	default:
		return nil, fmt.Errorf("bad status filter %q", status)
	}
	if status == "all" {
		status = ""
	}
	from, to := dayWindow(day)
	return s.store.ListDay(ctx, from, to, status)
}

// Delete removes a session unconditionally. Administrative override; not
// part of the scan flow.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	found, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !found {
		return ErrSessionNotFound
	}
	return nil
}

// SweepAbsent inserts an absent session for every course recurring today
// whose assigned teacher never scanned, once the course's schedule window
// has passed. Safe to run repeatedly within a day.
func (s *Service) SweepAbsent(ctx context.Context) (int, error) {
	now := s.now().In(s.loc)
	weekday := strings.ToLower(now.Weekday().String())
	courses, err := s.dir.CoursesScheduledOn(ctx, weekday)
	if err != nil {
		return 0, err
	}

	from, to := dayWindow(now)
	clock := now.Format("15:04:05")
	marked := 0
	for _, course := range courses {
		if course.TeacherID == nil || clock <= course.ScheduleEnd {
			continue
		}
		latest, err := s.store.LatestSessionBetween(ctx, *course.TeacherID, course.ID, from, to)
		if err != nil {
			return marked, err
		}
		if latest != nil {
			continue
		}
		_, err = s.store.InsertSession(ctx, Session{
			ID:        uuid.NewString(),
			TeacherID: *course.TeacherID,
			CourseID:  course.ID,
			Day:       now.Format("2006-01-02"),
			Status:    StatusAbsent,
		})
		if err != nil {
			return marked, err
		}
		marked++
	}
	return marked, nil
}

// StatusAt decides present/late for a check-in instant: late iff the
// time-of-day is strictly after the course's schedule_start. Zero-padded
// clock strings compare correctly byte-wise; equal means present.
func StatusAt(now time.Time, scheduleStart string) Status {
	if now.Format("15:04:05") > scheduleStart {
		return StatusLate
	}
	return StatusPresent
}

// dayWindow returns the inclusive [00:00:00, 23:59:59] bounds of t's day.
func dayWindow(t time.Time) (time.Time, time.Time) {
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return from, from.Add(24*time.Hour - time.Second)
}
