package trigger

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"jobsched/internal/task/job"
)

const (
	minYear = 1970
	maxYear = 2199
)

// yearSet is a sorted list of allowed years.
type yearSet []int

// next returns the smallest allowed year >= y.
func (s yearSet) next(y int) (int, bool) {
	i := sort.SearchInts(s, y)
	if i == len(s) {
		return 0, false
	}
	return s[i], true
}

func (s yearSet) has(y int) bool {
	i := sort.SearchInts(s, y)
	return i < len(s) && s[i] == y
}

// splitYearField detects a trailing 7th (year) field. It returns the remaining
// expression and the allowed years, or nil years when every year matches.
func splitYearField(expr string) (string, yearSet, error) {
	if strings.HasPrefix(expr, "@") {
		return expr, nil, nil
	}
	fields := strings.Fields(expr)
	prefix := ""
	if len(fields) > 0 && (strings.HasPrefix(fields[0], "CRON_TZ=") || strings.HasPrefix(fields[0], "TZ=")) {
		prefix = fields[0] + " "
		fields = fields[1:]
	}
	if len(fields) != 7 {
		return expr, nil, nil
	}
	years, err := parseYears(fields[6])
	if err != nil {
		return "", nil, err
	}
	return prefix + strings.Join(fields[:6], " "), years, nil
}

func parseYears(field string) (yearSet, error) {
	if field == "*" || field == "?" {
		return nil, nil
	}
	seen := map[int]bool{}
	for _, part := range strings.Split(field, ",") {
		step := 1
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return nil, errors.Wrapf(job.ErrInvalidSchedule, "bad year step in %q", field)
			}
			step = n
			part = part[:i]
		}
		lo, hi := minYear, maxYear
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err1, err2 error
			lo, err1 = strconv.Atoi(a)
			hi, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return nil, errors.Wrapf(job.ErrInvalidSchedule, "bad year range in %q", field)
			}
		default:
			y, err := strconv.Atoi(part)
			if err != nil {
				return nil, errors.Wrapf(job.ErrInvalidSchedule, "bad year %q", part)
			}
			lo = y
			if step == 1 {
				hi = y
			}
		}
		if lo < minYear || hi > maxYear || lo > hi {
			return nil, errors.Wrapf(job.ErrInvalidSchedule, "year out of range in %q", field)
		}
		for y := lo; y <= hi; y += step {
			seen[y] = true
		}
	}
	out := make(yearSet, 0, len(seen))
	for y := range seen {
		out = append(out, y)
	}
	sort.Ints(out)
	return out, nil
}

// yearSchedule restricts an inner schedule to a set of years.
type yearSchedule struct {
	inner cron.Schedule
	years yearSet
	loc   *time.Location
}

func (y yearSchedule) Next(t time.Time) time.Time {
	for i := 0; i < 64; i++ {
		n := y.inner.Next(t)
		if n.IsZero() {
			return n
		}
		if y.years.has(n.Year()) {
			return n
		}
		ny, ok := y.years.next(n.Year())
		if !ok {
			return time.Time{}
		}
		// Jump to just before the start of the next allowed year.
		t = time.Date(ny, time.January, 1, 0, 0, 0, 0, y.loc).Add(-time.Second)
	}
	return time.Time{}
}
