package task

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// cronParser accepts 5-field, 6-field (leading seconds) and descriptor forms
// (@hourly, @every 1m30s).
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a task's cron expression.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "*/5 * * * * *" (seconds), "@hourly", "@every 55m"
//   - Interval shorthand: "55m", "2h30m" or "01:30", run as "@every <d>"
//
// Optional prefixes "cron:" and "every:" force one interpretation.
func ParseSchedule(raw string) (cron.Schedule, error) {
	expr, err := NormalizeSchedule(raw)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCron, "%q: %v", raw, err)
	}
	return sched, nil
}

// NormalizeSchedule rewrites interval shorthand into cron descriptor form
// without validating cron field syntax.
func NormalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errors.Wrap(ErrInvalidCron, "expression required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return "", errors.Wrap(ErrInvalidCron, "expression required after 'cron:'")
		}
		return expr, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return "", err
		}
		return "@every " + d.String(), nil
	}

	// any whitespace or leading '@' => cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return s, nil
	}

	d, err := parseInterval(s)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidCron,
			"%q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return "@every " + d.String(), nil
}

// NextRun returns the first fire time strictly after from, evaluated in loc.
func NextRun(raw string, from time.Time, loc *time.Location) (time.Time, error) {
	sched, err := ParseSchedule(raw)
	if err != nil {
		return time.Time{}, err
	}
	if loc != nil {
		from = from.In(loc)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, errors.Wrapf(ErrInvalidCron, "%q never fires", raw)
	}
	return next, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.Wrap(ErrInvalidCron, "interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidCron, "invalid interval %q", v)
	}
	if d <= 0 {
		return 0, errors.Wrap(ErrInvalidCron, "interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, errors.Wrapf(ErrInvalidCron, "invalid HH:MM %q", v)
	}
	var hh, mm int
	if _, err := fmt.Sscanf(m[1]+" "+m[2], "%d %d", &hh, &mm); err != nil {
		return 0, errors.Wrapf(ErrInvalidCron, "invalid HH:MM %q", v)
	}
	if mm > 59 {
		return 0, errors.Wrapf(ErrInvalidCron, "invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, errors.Wrap(ErrInvalidCron, "interval must be > 0")
	}
	return d, nil
}
