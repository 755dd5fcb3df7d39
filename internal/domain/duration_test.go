package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"Full form", "1d2h30m", 95400 * time.Second},
		{"Seconds only", "45s", 45 * time.Second},
		{"All units", "1d1h1m1s", 90061 * time.Second},
		{"Whitespace between tokens", "1d 2h 30m", 95400 * time.Second},
		{"Surrounding whitespace", "  2h  ", 2 * time.Hour},
		{"Zero component allowed", "1d0h", 24 * time.Hour},
		{"Large day count", "365d", 365 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDuration(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"abc",
		"10",
		"h",
		"1x",
		"1h1d",  // out of order
		"1h2h",  // duplicate unit
		"1.5h",  // fraction
		"-1h",   // negative
		"0s",    // zero total
		"0d0h",  // zero total
		"1H",    // uppercase unit
		"1d2h!", // trailing garbage
		"99999999999999999999d",
		"200000000d",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParseDuration(input)
			assert.ErrorIs(t, err, ErrInvalidDuration)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0s"},
		{95400 * time.Second, "1d2h30m"},
		{90061 * time.Second, "1d1h1m1s"},
		{30 * time.Second, "30s"},
		{48 * time.Hour, "2d"},
		{1500 * time.Millisecond, "1s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.input))
		})
	}
}

func TestFormatDuration_RoundTrip(t *testing.T) {
	for _, text := range []string{"1d2h30m", "5m", "7d12h", "1d1h1m1s"} {
		d, err := ParseDuration(text)
		require.NoError(t, err)
		assert.Equal(t, text, FormatDuration(d))
	}
}
