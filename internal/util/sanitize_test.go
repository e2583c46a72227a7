package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanProjectID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"P1", "P1", true},
		{"  entry-042 ", "entry-042", true},
		{"design_2025", "design_2025", true},
		{"", "", false},
		{"<script>", "", false},
		{"has space", "", false},
		{"-leading", "", false},
		{"${jndi}", "", false},
	}

	for _, tt := range tests {
		got, ok := CleanProjectID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "&lt;b&gt;", SanitizeInput("  <b> "))
	assert.True(t, ContainsSuspicious("x onload=y"))
	assert.False(t, ContainsSuspicious("plain"))
}
