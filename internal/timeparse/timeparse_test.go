package timeparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSinceCompact(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"6h", now.Add(-6 * time.Hour)},
		{"2d", now.AddDate(0, 0, -2)},
		{"1w", now.AddDate(0, 0, -7)},
		{"3m", now.AddDate(0, -3, 0)},
		{"1y", now.AddDate(-1, 0, 0)},
	}
	for _, tt := range tests {
		got, err := ParseSince(tt.in, now)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseSinceAbsolute(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	got, err := ParseSince("2026-08-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseSince("2026-08-01T06:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 6, 30, 0, 0, time.UTC), got)
}

func TestParseSinceNaturalLanguage(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	got, err := ParseSince("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 23, got.Day())
}

func TestParseSinceRejectsGarbage(t *testing.T) {
	now := time.Now()
	_, err := ParseSince("", now)
	assert.Error(t, err)
	_, err = ParseSince("blorp", now)
	assert.Error(t, err)
}
