package util

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{
			name:     "short string unchanged",
			input:    "hello",
			maxLen:   10,
			expected: "hello",
		},
		{
			name:     "exact length unchanged",
			input:    "hello",
			maxLen:   5,
			expected: "hello",
		},
		{
			name:     "long string truncated",
			input:    "hello world",
			maxLen:   8,
			expected: "hello...",
		},
		{
			name:     "whitespace collapsed before measuring",
			input:    "write\n  the   lexer",
			maxLen:   20,
			expected: "write the lexer",
		},
		{
			name:     "multi-byte runes counted once",
			input:    "héllo wörld",
			maxLen:   8,
			expected: "héllo...",
		},
		{
			name:     "tiny limit returns ellipsis",
			input:    "hello",
			maxLen:   2,
			expected: "...",
		},
		{
			name:     "empty string",
			input:    "",
			maxLen:   0,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.input, tt.maxLen)
			if got != tt.expected {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestTruncateANSI(t *testing.T) {
	redStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	tests := []struct {
		name     string
		input    string
		maxWidth int
		check    func(t *testing.T, result string)
	}{
		{
			name:     "short plain string unchanged",
			input:    "hello",
			maxWidth: 10,
			check: func(t *testing.T, result string) {
				if result != "hello" {
					t.Errorf("expected 'hello', got %q", result)
				}
			},
		},
		{
			name:     "plain string truncated",
			input:    "hello world",
			maxWidth: 8,
			check: func(t *testing.T, result string) {
				if result != "hello..." {
					t.Errorf("expected 'hello...', got %q", result)
				}
			},
		},
		{
			name:     "styled string preserved when it fits",
			input:    redStyle.Render("hi"),
			maxWidth: 10,
			check: func(t *testing.T, result string) {
				if result != redStyle.Render("hi") {
					t.Errorf("styled string was modified when it shouldn't be")
				}
			},
		},
		{
			name:     "styled string truncated respects width",
			input:    redStyle.Render("step 3 attempt 2 failed: gate tests failed"),
			maxWidth: 20,
			check: func(t *testing.T, result string) {
				if width := lipgloss.Width(result); width > 20 {
					t.Errorf("result width %d exceeds maxWidth 20", width)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, TruncateANSI(tt.input, tt.maxWidth))
		})
	}
}

func TestIndent(t *testing.T) {
	got := Indent("## Task\n\nwrite it\n", "  ")
	want := "  ## Task\n\n  write it"
	if got != want {
		t.Errorf("Indent() = %q, want %q", got, want)
	}
}

func TestJoinInts(t *testing.T) {
	tests := []struct {
		in   []int
		want string
	}{
		{nil, "-"},
		{[]int{3}, "3"},
		{[]int{1, 2, 5}, "1,2,5"},
	}
	for _, tt := range tests {
		if got := JoinInts(tt.in); got != tt.want {
			t.Errorf("JoinInts(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
