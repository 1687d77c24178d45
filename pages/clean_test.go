package pages

import "testing"

func TestTitleCleaner(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "Hey Jude", "Hey Jude"},
		{"dash remaster", "Song - Remastered 2011", "Song"},
		{"bracket remaster", "Title (2011 Remaster)", "Title"},
		{"radio edit", "Anthem - Radio Edit", "Anthem"},
		{"meaningful parens", "Song (Love Theme)", "Song (Love Theme)"},
		{"unbalanced", "Broken (Remaster", "Broken (Remaster"},
		{"whitespace", "  Spaced  ", "Spaced"},
	}

	cleaner := NewTitleCleaner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleaner.Clean(tt.input); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
