package when

import (
	"errors"
	"testing"
	"time"
)

// 2025-03-12 is a Wednesday.
var (
	saoPaulo = time.FixedZone("BRT", -3*60*60)
	now      = time.Date(2025, 3, 12, 10, 15, 0, 0, saoPaulo)
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		date  string
		clock string
		want  time.Time
	}{
		{"iso date with h token", "2025-03-10", "14h", time.Date(2025, 3, 10, 14, 0, 0, 0, saoPaulo)},
		{"tomorrow with colon time", "amanhã", "9:30", time.Date(2025, 3, 13, 9, 30, 0, 0, saoPaulo)},
		{"english tomorrow", "Tomorrow", "2 pm", time.Date(2025, 3, 13, 14, 0, 0, 0, saoPaulo)},
		{"today", "hoje", "18:00", time.Date(2025, 3, 12, 18, 0, 0, 0, saoPaulo)},
		{"day after tomorrow", "depois de amanhã", "10h30", time.Date(2025, 3, 14, 10, 30, 0, 0, saoPaulo)},
		{"weekday ahead", "sexta-feira", "8", time.Date(2025, 3, 14, 8, 0, 0, 0, saoPaulo)},
		{"weekday with prefix", "na próxima segunda", "às 15h", time.Date(2025, 3, 17, 15, 0, 0, 0, saoPaulo)},
		{"same weekday rolls a week", "quarta", "9am", time.Date(2025, 3, 19, 9, 0, 0, 0, saoPaulo)},
		{"english weekday", "next saturday", "noon", time.Date(2025, 3, 15, 12, 0, 0, 0, saoPaulo)},
		{"day month", "20/03", "12:45", time.Date(2025, 3, 20, 12, 45, 0, 0, saoPaulo)},
		{"past day month rolls a year", "01/02", "9h", time.Date(2026, 2, 1, 9, 0, 0, 0, saoPaulo)},
		{"full numeric date", "05/04/2025", "12am", time.Date(2025, 4, 5, 0, 0, 0, 0, saoPaulo)},
		{"iso datetime with clock override", "2025-03-10T09:00", "14:30", time.Date(2025, 3, 10, 14, 30, 0, 0, saoPaulo)},
		{"worded offset", "in 3 days", "10h", time.Date(2025, 3, 15, 10, 0, 0, 0, saoPaulo)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.date, tt.clock, now, saoPaulo)
			if err != nil {
				t.Fatalf("Parse(%q, %q) error: %v", tt.date, tt.clock, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q, %q) = %v, want %v", tt.date, tt.clock, got, tt.want)
			}
		})
	}
}

func TestParse_TomorrowIsOneCalendarDayAhead(t *testing.T) {
	got, err := Parse("amanhã", "9:30", now, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	y, m, d := now.AddDate(0, 0, 1).Date()
	if got.Year() != y || got.Month() != m || got.Day() != d || got.Hour() != 9 || got.Minute() != 30 {
		t.Errorf("got %v", got)
	}
}

func TestParse_ISODateTimeCarriesClock(t *testing.T) {
	tests := []struct {
		date string
		want time.Time
	}{
		{"2025-03-10T14:00", time.Date(2025, 3, 10, 14, 0, 0, 0, saoPaulo)},
		{"2025-03-10 14:00", time.Date(2025, 3, 10, 14, 0, 0, 0, saoPaulo)},
		{"2025-03-10T14:00:00", time.Date(2025, 3, 10, 14, 0, 0, 0, saoPaulo)},
		{"2025-03-10T17:00:00Z", time.Date(2025, 3, 10, 14, 0, 0, 0, saoPaulo)},
	}
	for _, tt := range tests {
		got, err := Parse(tt.date, "", now, saoPaulo)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.date, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("Parse(%q) = %v, want %v", tt.date, got, tt.want)
		}
	}

	if _, err := Parse("2025-03-10", "", now, saoPaulo); !errors.Is(err, ErrInvalidTime) {
		t.Errorf("a bare date still needs a clock, got %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		date  string
		clock string
		want  error
	}{
		{"unparseable date", "quando der", "10h", ErrInvalidDate},
		{"empty date", "", "10h", ErrInvalidDate},
		{"impossible day", "31/02/2025", "10h", ErrInvalidDate},
		{"unparseable time", "amanhã", "de manhã", ErrInvalidTime},
		{"hour out of range", "amanhã", "25h", ErrInvalidTime},
		{"bad minutes", "amanhã", "10:7", ErrInvalidTime},
		{"pm out of range", "amanhã", "13pm", ErrInvalidTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.date, tt.clock, now, saoPaulo)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q, %q) error = %v, want %v", tt.date, tt.clock, err, tt.want)
			}
		})
	}
}
