package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "09:00", want: TimeOfDay{9, 0}},
		{in: "9:05", want: TimeOfDay{9, 5}},
		{in: "23:59", want: TimeOfDay{23, 59}},
		{in: " 00:00 ", want: TimeOfDay{0, 0}},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
		{in: "", wantErr: true},
		{in: "+15", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTimeOfDay(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrBadTime) {
				t.Errorf("ParseTimeOfDay(%q) err = %v, want ErrBadTime", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDate(t *testing.T) {
	if got, err := ParseDate("2024-01-10"); err != nil || got != "2024-01-10" {
		t.Errorf("ParseDate = %q, %v", got, err)
	}
	for _, in := range []string{"2024-13-01", "10.01.2024", "2024-02-30", ""} {
		if _, err := ParseDate(in); !errors.Is(err, ErrBadDate) {
			t.Errorf("ParseDate(%q) err = %v, want ErrBadDate", in, err)
		}
	}
}

func TestCheckRange(t *testing.T) {
	if err := CheckRange("2024-01-10", "2024-01-10"); err != nil {
		t.Errorf("same-day range: %v", err)
	}
	if err := CheckRange("2024-01-12", "2024-01-10"); !errors.Is(err, ErrDateOrder) {
		t.Errorf("reversed range err = %v, want ErrDateOrder", err)
	}
}

func TestInRange_Inclusive(t *testing.T) {
	loc := time.UTC
	cases := map[string]bool{
		"2024-01-09": false,
		"2024-01-10": true,
		"2024-01-11": true,
		"2024-01-12": true,
		"2024-01-13": false,
	}
	for day, want := range cases {
		d, _ := time.ParseInLocation(DateLayout, day, loc)
		tick := d.Add(9 * time.Hour)
		if got := InRange(tick, "2024-01-10", "2024-01-12", loc); got != want {
			t.Errorf("InRange(%s) = %v, want %v", day, got, want)
		}
	}
}

func TestInRange_UsesLocation(t *testing.T) {
	kyiv, err := time.LoadLocation("Europe/Kyiv")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 23:30 UTC on the 9th is already the 10th in Kyiv.
	tick := time.Date(2024, 1, 9, 23, 30, 0, 0, time.UTC)
	if !InRange(tick, "2024-01-10", "2024-01-12", kyiv) {
		t.Error("expected tick to fall on 2024-01-10 in Europe/Kyiv")
	}
	if InRange(tick, "2024-01-10", "2024-01-12", time.UTC) {
		t.Error("expected tick to fall on 2024-01-09 in UTC")
	}
}

func TestNextDaily(t *testing.T) {
	loc := time.UTC
	tod := TimeOfDay{9, 0}

	before := time.Date(2024, 1, 10, 8, 0, 0, 0, loc)
	if got := NextDaily(before, tod, loc); !got.Equal(time.Date(2024, 1, 10, 9, 0, 0, 0, loc)) {
		t.Errorf("NextDaily before = %v", got)
	}

	exact := time.Date(2024, 1, 10, 9, 0, 0, 0, loc)
	if got := NextDaily(exact, tod, loc); !got.Equal(time.Date(2024, 1, 11, 9, 0, 0, 0, loc)) {
		t.Errorf("NextDaily exact = %v", got)
	}

	endOfMonth := time.Date(2024, 1, 31, 10, 0, 0, 0, loc)
	if got := NextDaily(endOfMonth, tod, loc); !got.Equal(time.Date(2024, 2, 1, 9, 0, 0, 0, loc)) {
		t.Errorf("NextDaily month rollover = %v", got)
	}
}

func TestOneShot(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 1, 10, 10, 0, 0, 0, loc)

	rel, err := ParseOneShot("+15")
	if err != nil {
		t.Fatalf("ParseOneShot(+15): %v", err)
	}
	if got := rel.Instant(now, loc); !got.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("relative instant = %v", got)
	}

	later, err := ParseOneShot("18:30")
	if err != nil {
		t.Fatalf("ParseOneShot(18:30): %v", err)
	}
	if got := later.Instant(now, loc); !got.Equal(time.Date(2024, 1, 10, 18, 30, 0, 0, loc)) {
		t.Errorf("later today = %v", got)
	}

	past, err := ParseOneShot("09:00")
	if err != nil {
		t.Fatalf("ParseOneShot(09:00): %v", err)
	}
	if got := past.Instant(now, loc); !got.Equal(time.Date(2024, 1, 11, 9, 0, 0, 0, loc)) {
		t.Errorf("past time should roll to tomorrow, got %v", got)
	}

	for _, in := range []string{"+0", "+abc", "+-5"} {
		if _, err := ParseOneShot(in); !errors.Is(err, ErrBadRelative) {
			t.Errorf("ParseOneShot(%q) err = %v, want ErrBadRelative", in, err)
		}
	}
	if _, err := ParseOneShot("soon"); !errors.Is(err, ErrBadTime) {
		t.Errorf("ParseOneShot(soon) err = %v, want ErrBadTime", err)
	}
}
