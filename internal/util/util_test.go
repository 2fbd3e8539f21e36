package util

import (
	"math"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	snippet := "Revenue grew 40% year over year according to the filing"
	tests := []struct {
		name  string
		in    string
		max   int
		words bool
		want  string
	}{
		{"fits", "ARR 12M", 20, false, "ARR 12M"},
		{"exact", "churn", 5, false, "churn"},
		{"empty", "", 10, false, ""},
		{"zero max", snippet, 0, false, ""},
		{"shorter than ellipsis", snippet, 2, false, ".."},
		{"hard cut", snippet, 16, false, "Revenue grew ..."},
		{"word cut", snippet, 20, true, "Revenue grew 40%..."},
		{"no space to cut at", "pre-revenue-stage-startup", 15, true, "pre-revenue-..."},
		{"newline boundary", "Key risk\nconcentration in one customer", 18, true, "Key risk..."},
		{"multibyte", "für Ärzte und Kliniken", 10, false, "für Ärz..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateString(tt.in, tt.max, tt.words)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			if tt.max > 0 {
				assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.max)
			}
		})
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("The company's ARR grew 40% in 2025, and the ARR is growing!")
	assert.Equal(t, []string{"company", "arr", "grew", "40", "2025", "growing"}, got)
	assert.Empty(t, Keywords("a an the"))
	assert.Equal(t, []string{"übernahme", "gmbh"}, Keywords("Übernahme of the GmbH"))
}

func TestCollapseWhitespace(t *testing.T) {
	assert.Equal(t, "one two three", CollapseWhitespace("  one\n\ttwo   three "))
	assert.Equal(t, "", CollapseWhitespace(" \n "))
}

func TestClampAndRound(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-1, 0, 1))
	assert.Equal(t, 1.0, Clamp(3, 0, 1))
	assert.Equal(t, 0.4, Clamp(0.4, 0, 1))
	assert.Equal(t, 0.0, Clamp(math.NaN(), 0, 1))

	assert.Equal(t, 68.0, Round(67.999999, 2))
	assert.Equal(t, 12.35, Round(12.345678, 2))
	assert.Equal(t, 0.25, Round(0.2500001, 4))
}
