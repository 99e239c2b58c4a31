package main

import "testing"

func TestDurationToSeconds(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"00:00:00", 0},
		{"01:00:00", 3600},
		{"1:2:3", 3723},
		{"05:04:03", 18243},
		{"", 0},
		{"   ", 0},
		{"90", 0},
		{"clocked out", 0},
	}
	for _, tc := range cases {
		if got := durationToSeconds(tc.in); got != tc.want {
			t.Errorf("durationToSeconds(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSecondsToDurationRoundTrip(t *testing.T) {
	for _, s := range []string{"00:00:01", "00:59:59", "05:04:03", "23:00:00"} {
		if got := secondsToDuration(durationToSeconds(s)); got != s {
			t.Errorf("round trip of %q produced %q", s, got)
		}
	}
}

func TestSecondsToDurationBeyondOneDay(t *testing.T) {
	if got := secondsToDuration(90 * 3600); got != "90:00:00" {
		t.Errorf("expected hours past 23 to accumulate, got %q", got)
	}
	if got := secondsToDuration(-5); got != "00:00:00" {
		t.Errorf("negative input should clamp to zero, got %q", got)
	}
}

func TestDutyColumnForDate(t *testing.T) {
	cases := []struct {
		date string
		col  string
		ok   bool
	}{
		{"23/12/2024", "K", true}, // Monday
		{"25/12/2024", "M", true}, // Wednesday
		{"29/12/2024", "Q", true}, // Sunday
		{"99/99/9999", "", false},
		{"not a date", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		col, ok := dutyColumnForDate(tc.date)
		if ok != tc.ok || col != tc.col {
			t.Errorf("dutyColumnForDate(%q) = (%q, %v), want (%q, %v)", tc.date, col, ok, tc.col, tc.ok)
		}
	}
}
