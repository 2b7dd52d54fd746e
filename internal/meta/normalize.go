package meta

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// CleanName prepares an entity name or title for storage: Unicode NFC,
// control characters removed, whitespace collapsed and the result cut to at
// most limit runes. A limit <= 0 disables truncation.
func CleanName(s string, limit int) string {
	s = CleanString(s)
	return Truncate(s, limit)
}

// CleanString performs basic string cleaning (Unicode, control characters, trim, collapse)
func CleanString(s string) string {
	if s == "" {
		return ""
	}

	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}

	// Unicode NFC normalization
	s = norm.NFC.String(s)

	s = removeControlChars(s)

	return collapseWhitespace(s)
}

// Truncate cuts s to at most limit runes without splitting a character
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}

// collapseWhitespace replaces runs of whitespace with a single space
func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// removeControlChars removes non-printable control characters
func removeControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

var yearRe = regexp.MustCompile(`\b(\d{4})\b`)

// ParseYear extracts the year of a date tag such as "1997", "1997-05-12" or
// "12.05.1997". It returns 0 when no plausible year is found.
func ParseYear(date string) int {
	m := yearRe.FindStringSubmatch(date)
	if m == nil {
		return 0
	}
	year, err := strconv.Atoi(m[1])
	if err != nil || year < 1000 || year > 9999 {
		return 0
	}
	return year
}

// ParseGain reads a ReplayGain value such as "-6.54 dB" or "0.988"
func ParseGain(value string) (float64, bool) {
	value = strings.TrimSpace(value)
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(value, "dB"), "db"))
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// SplitNumber reads "3" or "3/12" into the number and the total
func SplitNumber(value string) (n, total int) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, 0
	}
	first, rest, found := strings.Cut(value, "/")
	n, _ = strconv.Atoi(strings.TrimSpace(first))
	if found {
		total, _ = strconv.Atoi(strings.TrimSpace(rest))
	}
	return n, total
}
