package task

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func TestNormalizeScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "five field", raw: "*/5 * * * *", want: "*/5 * * * *"},
		{name: "six field", raw: "*/5 * * * * *", want: "*/5 * * * * *"},
		{name: "descriptor", raw: "@hourly", want: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", want: "0 0 * * *"},
		{name: "duration", raw: "10m", want: "@every 10m0s"},
		{name: "prefixed interval", raw: "every:45s", want: "@every 45s"},
		{name: "hhmm", raw: "01:30", want: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeSchedule(tt.raw)
			if err != nil {
				t.Fatalf("NormalizeSchedule(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeSchedule(%q) = %q, want %q", tt.raw, got, tt.want)
			}
			if _, err := ParseSchedule(tt.raw); err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "61 * * * *", "* * * * * * *", "00:00", "cron:"} {
		_, err := ParseSchedule(raw)
		if err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
		if !errors.Is(err, ErrInvalidCron) {
			t.Fatalf("ParseSchedule(%q): error %v is not ErrInvalidCron", raw, err)
		}
	}
}

func TestNextRunSecondsField(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 1, 1, 10, 0, 3, 0, time.UTC)
	next, err := NextRun("*/5 * * * * *", from, time.UTC)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	want := time.Date(2026, 1, 1, 10, 0, 5, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestNextRunHonorsLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	from := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC) // 07:30 local
	next, err := NextRun("0 8 * * *", from, loc)
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if got := next.In(loc); got.Hour() != 8 || got.Day() != 1 {
		t.Fatalf("next = %s, want 08:00 local on day 1", got)
	}
}
