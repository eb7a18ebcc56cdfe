package money

import "testing"

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"whole number", "1", 1_000_000},
		{"decimal", "0.05", 50_000},
		{"full precision", "1.234567", 1_234_567},
		{"extra precision truncated", "0.1234567", 123_456},
		{"zero", "0", 0},
		{"empty string", "", 0},
		{"large", "1000", 1_000_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) failed, expected %d", tt.input, tt.expected)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []string{"-1", "1.2.3", "abc", "1.0x", "0x10"}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			if _, ok := Parse(input); ok {
				t.Errorf("Parse(%q) succeeded, expected failure", input)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{50_000, "0.05"},
		{1_000_000, "1"},
		{0, "0"},
		{1_234_567, "1.234567"},
		{-500_000, "-0.5"},
		{1, "0.000001"},
	}

	for _, tt := range tests {
		if got := Format(tt.input); got != tt.expected {
			t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.05", "7.5", "0.000001"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}
