package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/credential"
	"qrattend/internal/metrics"
)

var (
	// ErrNotFound marks lookups whose id does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks rejected input (bad email, bad schedule, unknown weekday).
	ErrInvalid = errors.New("invalid input")
)

var weekdayNames = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// ImageUploader pushes a rendered credential image to external hosting and
// returns its public URL.
type ImageUploader interface {
	UploadPNG(data []byte, name string) (string, error)
}

// Service manages the teacher/course registry and credential provisioning.
// A teacher's credential is reissued whenever the email changes; the stored
// hash always describes the most recently issued image.
type Service struct {
	repo    *Repository
	uploads ImageUploader
	now     func() time.Time
}

// NewService creates the registry service. uploads may be nil when image
// hosting is not configured; issued PNGs are then only returned inline.
func NewService(repo *Repository, uploads ImageUploader) *Service {
	return &Service{repo: repo, uploads: uploads, now: time.Now}
}

// CreateTeacher registers a teacher and issues their first credential.
func (s *Service) CreateTeacher(ctx context.Context, name, email string, phone *string) (Teacher, credential.Credential, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || !strings.Contains(email, "@") {
		return Teacher{}, credential.Credential{}, fmt.Errorf("%w: name and email required", ErrInvalid)
	}

	id := uuid.NewString()
	cred, err := credential.Issue(id, s.now())
	if err != nil {
		return Teacher{}, credential.Credential{}, err
	}
	raw := string(cred.Payload)
	t := Teacher{ID: id, Name: name, Email: email, Phone: phone, QRHash: &cred.Hash, QRPayload: &raw}
	if url := s.upload(cred, id); url != nil {
		t.QRURL = url
	}
	t, err = s.repo.InsertTeacher(ctx, t)
	if err != nil {
		return Teacher{}, credential.Credential{}, err
	}
	metrics.CredentialsIssued.Inc()
	return t, cred, nil
}

// UpdateTeacher edits profile fields. Changing the email reissues the
// credential, so a previously printed badge stops matching the stored hash.
func (s *Service) UpdateTeacher(ctx context.Context, id, name, email string, phone *string) (Teacher, error) {
	existing, err := s.repo.TeacherByID(ctx, id)
	if err != nil {
		return Teacher{}, err
	}
	if existing == nil {
		return Teacher{}, fmt.Errorf("teacher %s: %w", id, ErrNotFound)
	}

	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || !strings.Contains(email, "@") {
		return Teacher{}, fmt.Errorf("%w: name and email required", ErrInvalid)
	}

	existing.Name = name
	emailChanged := existing.Email != email
	existing.Email = email
	existing.Phone = phone
	if err := s.repo.UpdateTeacher(ctx, *existing); err != nil {
		return Teacher{}, err
	}

	if emailChanged {
		if _, err := s.RegenerateCredential(ctx, id); err != nil {
			return Teacher{}, err
		}
		refreshed, err := s.repo.TeacherByID(ctx, id)
		if err != nil {
			return Teacher{}, err
		}
		return *refreshed, nil
	}
	return *existing, nil
}

// RegenerateCredential issues a fresh credential for an existing teacher.
func (s *Service) RegenerateCredential(ctx context.Context, id string) (credential.Credential, error) {
	t, err := s.repo.TeacherByID(ctx, id)
	if err != nil {
		return credential.Credential{}, err
	}
	if t == nil {
		return credential.Credential{}, fmt.Errorf("teacher %s: %w", id, ErrNotFound)
	}
	cred, err := credential.Issue(id, s.now())
	if err != nil {
		return credential.Credential{}, err
	}
	if err := s.repo.SetTeacherCredential(ctx, id, cred.Hash, string(cred.Payload), s.upload(cred, id)); err != nil {
		return credential.Credential{}, err
	}
	metrics.CredentialsIssued.Inc()
	return cred, nil
}

// CredentialPNG re-renders a teacher's issued credential image from the
// stored payload, for display and badge printing.
func (s *Service) CredentialPNG(ctx context.Context, id string) ([]byte, error) {
	t, err := s.repo.TeacherByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("teacher %s: %w", id, ErrNotFound)
	}
	if t.QRPayload == nil {
		return nil, fmt.Errorf("teacher %s has no issued credential: %w", id, ErrNotFound)
	}
	return credential.Render([]byte(*t.QRPayload))
}

// CreateCourse validates and stores a course.
func (s *Service) CreateCourse(ctx context.Context, c Course) (Course, error) {
	cleaned, err := s.validateCourse(ctx, c)
	if err != nil {
		return Course{}, err
	}
	return s.repo.InsertCourse(ctx, cleaned)
}

// UpdateCourse validates and stores changes to an existing course.
func (s *Service) UpdateCourse(ctx context.Context, c Course) (Course, error) {
	existing, err := s.repo.CourseByID(ctx, c.ID)
	if err != nil {
		return Course{}, err
	}
	if existing == nil {
		return Course{}, fmt.Errorf("course %s: %w", c.ID, ErrNotFound)
	}
	cleaned, err := s.validateCourse(ctx, c)
	if err != nil {
		return Course{}, err
	}
	if err := s.repo.UpdateCourse(ctx, cleaned); err != nil {
		return Course{}, err
	}
	refreshed, err := s.repo.CourseByID(ctx, cleaned.ID)
	if err != nil {
		return Course{}, err
	}
	return *refreshed, nil
}

func (s *Service) validateCourse(ctx context.Context, c Course) (Course, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Course{}, fmt.Errorf("%w: course name required", ErrInvalid)
	}
	start, err := ParseClock(c.ScheduleStart)
	if err != nil {
		return Course{}, fmt.Errorf("%w: schedule_start: %v", ErrInvalid, err)
	}
	end, err := ParseClock(c.ScheduleEnd)
	if err != nil {
		return Course{}, fmt.Errorf("%w: schedule_end: %v", ErrInvalid, err)
	}
	if !start.Before(end) {
		return Course{}, fmt.Errorf("%w: schedule_start must precede schedule_end", ErrInvalid)
	}
	days := make([]string, 0, len(c.Weekdays))
	for _, d := range c.Weekdays {
		d = strings.ToLower(strings.TrimSpace(d))
		if !weekdayNames[d] {
			return Course{}, fmt.Errorf("%w: unknown weekday %q", ErrInvalid, d)
		}
		days = append(days, d)
	}
	c.Weekdays = days
	if c.TeacherID != nil {
		t, err := s.repo.TeacherByID(ctx, *c.TeacherID)
		if err != nil {
			return Course{}, err
		}
		if t == nil {
			return Course{}, fmt.Errorf("assigned teacher %s: %w", *c.TeacherID, ErrNotFound)
		}
	}
	return c, nil
}

func (s *Service) upload(cred credential.Credential, teacherID string) *string {
	if s.uploads == nil {
		return nil
	}
	url, err := s.uploads.UploadPNG(cred.PNG, "credential-"+teacherID)
	if err != nil {
		// Hosting is best effort; the hash and inline PNG are authoritative.
		return nil
	}
	return &url
}

// ParseClock parses a wall-clock "HH:MM:SS" value.
func ParseClock(v string) (time.Time, error) {
	return time.Parse("15:04:05", v)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
