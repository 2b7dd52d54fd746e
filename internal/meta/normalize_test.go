package meta

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCleanName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"The Beatles", "The Beatles"},
		{"  Artist   Name  ", "Artist Name"},
		{"Line\x00Break\x07", "LineBreak"},
		{"Café", "Café"}, // decomposed e + acute becomes one rune
		{"Tab\tSeparated", "Tab Separated"},
		{"", ""},
	}

	for _, tt := range tests {
		result := CleanName(tt.input, 255)
		if result != tt.expected {
			t.Errorf("CleanName(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

func TestCleanNameTruncatesRunes(t *testing.T) {
	long := strings.Repeat("ä", 300)
	result := CleanName(long, 255)

	if n := utf8.RuneCountInString(result); n != 255 {
		t.Errorf("expected 255 runes, got %d", n)
	}
	if !utf8.ValidString(result) {
		t.Error("truncation split a multi-byte character")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		limit    int
		expected string
	}{
		{"abcdef", 3, "abc"},
		{"abc", 3, "abc"},
		{"abc", 0, "abc"},
		{"ab cd", 3, "ab"},
		{"日本語テキスト", 3, "日本語"},
	}

	for _, tt := range tests {
		if result := Truncate(tt.input, tt.limit); result != tt.expected {
			t.Errorf("Truncate(%q, %d) = %q, expected %q", tt.input, tt.limit, result, tt.expected)
		}
	}
}

func TestParseYear(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"1997", 1997},
		{"1997-05-12", 1997},
		{"12.05.1997", 1997},
		{"97", 0},
		{"", 0},
		{"unknown", 0},
	}

	for _, tt := range tests {
		if result := ParseYear(tt.input); result != tt.expected {
			t.Errorf("ParseYear(%q) = %d, expected %d", tt.input, result, tt.expected)
		}
	}
}

func TestParseGain(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		ok       bool
	}{
		{"-6.54 dB", -6.54, true},
		{"+2.10 dB", 2.10, true},
		{"0.988547", 0.988547, true},
		{"", 0, false},
		{"loud", 0, false},
	}

	for _, tt := range tests {
		result, ok := ParseGain(tt.input)
		if ok != tt.ok || result != tt.expected {
			t.Errorf("ParseGain(%q) = %v, %v, expected %v, %v", tt.input, result, ok, tt.expected, tt.ok)
		}
	}
}

func TestSplitNumber(t *testing.T) {
	tests := []struct {
		input    string
		n, total int
	}{
		{"3", 3, 0},
		{"3/12", 3, 12},
		{" 4 / 9 ", 4, 9},
		{"", 0, 0},
		{"x/2", 0, 2},
	}

	for _, tt := range tests {
		n, total := SplitNumber(tt.input)
		if n != tt.n || total != tt.total {
			t.Errorf("SplitNumber(%q) = %d, %d, expected %d, %d", tt.input, n, total, tt.n, tt.total)
		}
	}
}
