package parser

import (
	"regexp"
	"strconv"
	"time"
)

var (
	numericDateRe   = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4})\b`)
	localizedDateRe = regexp.MustCompile(`(?i)(?:ngày|day)\s*(\d{1,2})\s*(?:tháng|month)\s*(\d{1,2})\s*(?:năm|year)\s*(\d{4})`)
)

// ParseDate returns the first date found in text. When that first date is not a real
// calendar date (day 32, month 13) the result is absent; later dates are not tried.
func ParseDate(text string) (time.Time, bool) {
	first := func(re *regexp.Regexp) []int {
		return re.FindStringSubmatchIndex(text)
	}
	m := first(numericDateRe)
	if loc := first(localizedDateRe); loc != nil && (m == nil || loc[0] < m[0]) {
		m = loc
	}
	if m == nil {
		return time.Time{}, false
	}
	day, _ := strconv.Atoi(text[m[2]:m[3]])
	month, _ := strconv.Atoi(text[m[4]:m[5]])
	year, _ := strconv.Atoi(text[m[6]:m[7]])
	return calendarDate(year, month, day)
}

func calendarDate(year, month, day int) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}
