package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duty duration columns on the tracking sheet, Monday first.
var dutyDayColumns = []string{"K", "L", "M", "N", "O", "P", "Q"}

const sheetDateLayout = "02/01/2006"

// durationToSeconds parses an H:M:S value into total seconds. Fields may be
// one or more digits. Empty input, or input without a separator, is 0, since
// the sheet stores blank cells for people with no accumulated time.
func durationToSeconds(text string) int {
	text = strings.TrimSpace(text)
	if text == "" || !strings.Contains(text, ":") {
		return 0
	}
	parts := strings.Split(text, ":")
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			n = 0
		}
		total = total*60 + n
	}
	return total
}

// secondsToDuration formats total seconds as zero-padded HH:MM:SS. Hours
// accumulate past 23 without rolling over.
func secondsToDuration(total int) string {
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}

// dutyColumnForDate maps a DD/MM/YYYY date to the duty column for its day of
// week. An unparseable date returns ok=false and the caller skips the
// duration step.
func dutyColumnForDate(date string) (string, bool) {
	t, err := time.Parse(sheetDateLayout, strings.TrimSpace(date))
	if err != nil {
		return "", false
	}
	// time.Weekday starts on Sunday; the sheet week starts on Monday.
	idx := (int(t.Weekday()) + 6) % 7
	return dutyDayColumns[idx], true
}
