// Package when turns the date and time expressions users type ("amanhã",
// "sexta", "14h30", "2025-03-10", "próxima semana") into concrete timestamps.
package when

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/BTreeMap/StateFlow/internal/textutil"
	natural "github.com/olebedev/when"
	"github.com/olebedev/when/rules/br"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var (
	// ErrInvalidDate is returned for date expressions that cannot be resolved.
	ErrInvalidDate = errors.New("invalid date")
	// ErrInvalidTime is returned for time expressions that cannot be resolved.
	ErrInvalidTime = errors.New("invalid time")
)

// phrases resolves free-form dates the short vocabulary below does not cover
// ("daqui a 3 dias", "next week", "10 de março").
var phrases = newPhraseParser()

func newPhraseParser() *natural.Parser {
	p := natural.New(nil)
	p.Add(br.All...)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}

// isoLayouts are tried before any natural-language parsing. hasClock marks
// layouts that carry a time of day.
var isoLayouts = []struct {
	layout   string
	hasClock bool
}{
	{time.RFC3339, true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02T15:04", true},
	{"2006-01-02 15:04", true},
	{"2006-01-02", false},
}

func parseISO(raw string, loc *time.Location) (time.Time, bool, bool) {
	for _, l := range isoLayouts {
		if t, err := time.ParseInLocation(l.layout, raw, loc); err == nil {
			return t.In(loc), l.hasClock, true
		}
	}
	return time.Time{}, false, false
}

// Parse resolves a date and a time expression relative to now in loc. A nil loc
// means now's location. An ISO datetime supplies its own clock when clock is
// blank.
func Parse(date, clock string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = now.Location()
	}
	now = now.In(loc)

	if strings.TrimSpace(clock) == "" {
		if t, hasClock, ok := parseISO(strings.TrimSpace(date), loc); ok && hasClock {
			return t.Truncate(time.Minute), nil
		}
	}

	y, m, d, err := ParseDate(date, now)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute, err := ParseTime(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(y, m, d, hour, minute, 0, 0, loc), nil
}

var relativeDays = map[string]int{
	"hoje": 0, "today": 0,
	"amanha": 1, "tomorrow": 1,
	"depois de amanha": 2, "day after tomorrow": 2, "the day after tomorrow": 2,
}

var weekdays = map[string]time.Weekday{
	"domingo": time.Sunday, "segunda": time.Monday, "terca": time.Tuesday, "quarta": time.Wednesday,
	"quinta": time.Thursday, "sexta": time.Friday, "sabado": time.Saturday,
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// weekdayPrefixes are dropped before weekday lookup ("na próxima sexta").
var weekdayPrefixes = []string{"na ", "no ", "nesta ", "neste ", "essa ", "esse ", "proxima ", "proximo ", "next ", "this ", "on "}

// ParseDate resolves a date expression to a calendar day relative to now.
func ParseDate(expr string, now time.Time) (int, time.Month, int, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return 0, 0, 0, fmt.Errorf("%w: empty date", ErrInvalidDate)
	}
	if t, _, ok := parseISO(raw, now.Location()); ok {
		return t.Year(), t.Month(), t.Day(), nil
	}

	f := strings.Join(strings.Fields(textutil.Fold(raw)), " ")
	if days, ok := relativeDays[f]; ok {
		t := now.AddDate(0, 0, days)
		return t.Year(), t.Month(), t.Day(), nil
	}
	if y, m, d, ok := parseNumericDate(f, now); ok {
		return y, m, d, nil
	}
	if wd, ok := lookupWeekday(f); ok {
		ahead := (int(wd) - int(now.Weekday()) + 7) % 7
		if ahead == 0 {
			ahead = 7
		}
		t := now.AddDate(0, 0, ahead)
		return t.Year(), t.Month(), t.Day(), nil
	}
	if y, m, d, ok := parsePhrase(raw, now); ok {
		return y, m, d, nil
	}
	return 0, 0, 0, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
}

// parsePhrase hands worded expressions to the natural-language rules. Purely
// numeric input is left to parseNumericDate so impossible days stay invalid.
func parsePhrase(raw string, now time.Time) (int, time.Month, int, bool) {
	if !strings.ContainsFunc(raw, unicode.IsLetter) {
		return 0, 0, 0, false
	}
	r, err := phrases.Parse(raw, now)
	if err != nil || r == nil {
		return 0, 0, 0, false
	}
	t := r.Time.In(now.Location())
	return t.Year(), t.Month(), t.Day(), true
}

func lookupWeekday(f string) (time.Weekday, bool) {
	for changed := true; changed; {
		changed = false
		for _, p := range weekdayPrefixes {
			if strings.HasPrefix(f, p) {
				f = strings.TrimPrefix(f, p)
				changed = true
			}
		}
	}
	f = strings.TrimSuffix(f, "-feira")
	f = strings.TrimSuffix(f, " feira")
	wd, ok := weekdays[f]
	return wd, ok
}

// parseNumericDate handles dd/mm, dd/mm/yy and dd/mm/yyyy with "/", "-" or
// "." separators. A day-month already past this year rolls to next year.
func parseNumericDate(f string, now time.Time) (int, time.Month, int, bool) {
	parts := strings.FieldsFunc(f, func(r rune) bool { return r == '/' || r == '-' || r == '.' })
	if len(parts) < 2 || len(parts) > 3 {
		return 0, 0, 0, false
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, false
		}
		nums[i] = n
	}
	day, month := nums[0], nums[1]
	year := now.Year()
	explicitYear := len(nums) == 3
	if explicitYear {
		year = nums[2]
		if year < 100 {
			year += 2000
		}
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, 0, 0, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
	if t.Day() != day {
		return 0, 0, 0, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if !explicitYear && t.Before(today) {
		t = t.AddDate(1, 0, 0)
	}
	return t.Year(), t.Month(), t.Day(), true
}

// ParseTime resolves a time token: "14", "14:30", "14h30", "14h", "9am",
// "9:30 pm", "meio-dia", "noon".
func ParseTime(expr string) (int, int, error) {
	f := strings.ReplaceAll(textutil.Fold(strings.TrimSpace(expr)), " ", "")
	f = strings.TrimPrefix(f, "as")
	f = strings.TrimPrefix(f, "at")
	if f == "" {
		return 0, 0, fmt.Errorf("%w: empty time", ErrInvalidTime)
	}
	switch f {
	case "meio-dia", "meiodia", "noon":
		return 12, 0, nil
	case "meia-noite", "meianoite", "midnight":
		return 0, 0, nil
	}

	meridiem := ""
	for _, suffix := range []string{"am", "pm", "a.m.", "p.m."} {
		if strings.HasSuffix(f, suffix) {
			meridiem = suffix[:1]
			f = strings.TrimSuffix(f, suffix)
			break
		}
	}
	f = strings.TrimSuffix(f, "hrs")
	f = strings.TrimSuffix(f, "horas")

	var hs, ms string
	switch {
	case strings.Contains(f, ":"):
		hs, ms, _ = strings.Cut(f, ":")
	case strings.Contains(f, "h"):
		hs, ms, _ = strings.Cut(f, "h")
	default:
		hs = f
	}
	hour, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, expr)
	}
	minute := 0
	if ms != "" {
		if len(ms) != 2 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, expr)
		}
		if minute, err = strconv.Atoi(ms); err != nil {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, expr)
		}
	}

	switch meridiem {
	case "a", "p":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, expr)
		}
		hour %= 12
		if meridiem == "p" {
			hour += 12
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q out of range", ErrInvalidTime, expr)
	}
	return hour, minute, nil
}
