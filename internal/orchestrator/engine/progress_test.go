package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressParser(t *testing.T) {
	parser, err := NewProgressParser(`(?i)progress:?\s*(\d{1,3}(?:\.\d+)?)\s*%`)
	require.NoError(t, err)

	tests := map[string]struct {
		line     string
		progress float64
		ok       bool
	}{
		"start":      {line: "TRACE:: Progress: 0%", progress: 50, ok: true},
		"half":       {line: "TRACE:: progress 50 %", progress: 70, ok: true},
		"done":       {line: "Progress: 100%", progress: 90, ok: true},
		"fractional": {line: "Progress: 12.5%", progress: 55, ok: true},
		"clamped":    {line: "Progress: 250%", progress: 90, ok: true},
		"no match":   {line: "TRACE:: Engine.Run(): Starting", ok: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			progress, ok := parser.Parse(tc.line)
			assert.Equal(t, tc.ok, ok)
			assert.InDelta(t, tc.progress, progress, 1e-9)
		})
	}
}

func TestNewProgressParser_Invalid(t *testing.T) {
	_, err := NewProgressParser(`(`)
	assert.Error(t, err)
	_, err = NewProgressParser(`progress \d+%`)
	assert.Error(t, err)
}
