package registry

import (
	"context"
	"errors"
	"testing"
)

func TestCourseValidation(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	ctx := context.Background()

	base := Course{
		Name:          "Mathematics",
		ScheduleStart: "09:00:00",
		ScheduleEnd:   "10:30:00",
		Weekdays:      []string{"Monday", " wednesday "},
	}

	t.Run("start_must_precede_end", func(t *testing.T) {
		c := base
		c.ScheduleStart, c.ScheduleEnd = "10:30:00", "09:00:00"
		if _, err := svc.CreateCourse(ctx, c); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})

	t.Run("equal_bounds_rejected", func(t *testing.T) {
		c := base
		c.ScheduleEnd = c.ScheduleStart
		if _, err := svc.CreateCourse(ctx, c); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})

	t.Run("malformed_clock", func(t *testing.T) {
		c := base
		c.ScheduleStart = "9am"
		if _, err := svc.CreateCourse(ctx, c); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})

	t.Run("unknown_weekday", func(t *testing.T) {
		c := base
		c.Weekdays = []string{"funday"}
		if _, err := svc.CreateCourse(ctx, c); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})

	t.Run("empty_name", func(t *testing.T) {
		c := base
		c.Name = "   "
		if _, err := svc.CreateCourse(ctx, c); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})

	t.Run("weekdays_normalized", func(t *testing.T) {
		cleaned, err := svc.validateCourse(ctx, base)
		if err != nil {
			t.Fatal(err)
		}
		if cleaned.Weekdays[0] != "monday" || cleaned.Weekdays[1] != "wednesday" {
			t.Fatalf("weekdays not normalized: %+v", cleaned.Weekdays)
		}
	})
}

func TestTeacherInputValidation(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	ctx := context.Background()

	if _, _, err := svc.CreateTeacher(ctx, "", "amina@school.test", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty name, got %v", err)
	}
	if _, _, err := svc.CreateTeacher(ctx, "Amina", "not-an-email", nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for bad email, got %v", err)
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := normalizeEmail("  Amina@School.TEST "); got != "amina@school.test" {
		t.Fatalf("got %q", got)
	}
}
