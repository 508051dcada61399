package parser

import (
	"math"
	"strconv"
	"strings"
)

// ParseAmount converts a printed amount to a float. Vietnamese formatting is assumed
// ("1.500.000,50"); an English form is recognised when the separators rule it out
// ("1,500,000" or "1,500.50"). A lone "." followed by exactly three digits is a
// thousands separator, otherwise a decimal point.
func ParseAmount(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return 0, false
		}
	}

	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")
	var clean string
	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
			clean = strings.ReplaceAll(s, ",", "")
		} else {
			clean = strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", ".")
		}
	case commas > 1:
		clean = strings.ReplaceAll(s, ",", "")
	case commas == 1:
		clean = strings.ReplaceAll(s, ",", ".")
	case dots > 1:
		clean = strings.ReplaceAll(s, ".", "")
	case dots == 1:
		if i := strings.Index(s, "."); len(s)-i-1 == 3 {
			clean = strings.ReplaceAll(s, ".", "")
		} else {
			clean = s
		}
	default:
		clean = s
	}

	if strings.HasPrefix(clean, ".") || strings.HasSuffix(clean, ".") {
		return 0, false
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// NormalizeAmount renders v in the canonical form ParseAmount reads back unchanged.
func NormalizeAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
