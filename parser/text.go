package parser

import (
	"unicode"
	"unicode/utf8"
)

// IsSpecialChar reports runes that are neither word characters nor whitespace.
func IsSpecialChar(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && !unicode.IsSpace(r)
}

// SpecialCharRatio is the share of special runes in text; 0 for empty text.
func SpecialCharRatio(text string) float64 {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return 0
	}
	special := 0
	for _, r := range text {
		if IsSpecialChar(r) {
			special++
		}
	}
	return float64(special) / float64(total)
}
