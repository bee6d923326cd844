package attendance

import "errors"

var (
	// ErrTeacherNotFound: the scanned id decoded but resolves to no teacher.
	ErrTeacherNotFound = errors.New("teacher not found")
	// ErrCourseNotFound: the selected course id resolves to no course.
	ErrCourseNotFound = errors.New("course not found")
	// ErrDuplicateAttendance: the day's session is already closed.
	ErrDuplicateAttendance = errors.New("teacher has already completed attendance for today")
	// ErrScanInProgress: another scan holds the (teacher, course, day) lock.
	ErrScanInProgress = errors.New("scan already in progress for this teacher and course")
	// ErrSessionNotFound: delete target does not exist.
	ErrSessionNotFound = errors.New("attendance session not found")
)
