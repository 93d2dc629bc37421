// ABOUTME: Tests for compact text fitting and formatting helpers
// ABOUTME: Every compact string must stay within one radio message

package report

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestFit(t *testing.T) {
	assert.Equal(t, "short", Fit("  short "))

	long := strings.Repeat("node ", 60)
	got := Fit(long)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), CompactLimit)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.False(t, strings.Contains(got, "nod…"), "cut at a word boundary")

	// Multibyte text is counted in runes.
	wide := strings.Repeat("é", 400)
	assert.Equal(t, CompactLimit, utf8.RuneCountInString(Fit(wide)))
}

func TestJoin_DropsTrailingParts(t *testing.T) {
	parts := []string{"Top talkers 24h", strings.Repeat("a", 100), strings.Repeat("b", 100), "tail"}
	got := Join(parts...)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), CompactLimit)
	assert.Equal(t, "Top talkers 24h | "+strings.Repeat("a", 100), got)

	assert.Equal(t, "a | b", Join("a", "", "b"))
	assert.LessOrEqual(t, utf8.RuneCountInString(Join(strings.Repeat("x", 300))), CompactLimit)
}

func TestAgo(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "now", Ago(now, now.Add(-10*time.Second)))
	assert.Equal(t, "5m ago", Ago(now, now.Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", Ago(now, now.Add(-3*time.Hour)))
	assert.Equal(t, "4d ago", Ago(now, now.Add(-96*time.Hour)))
}

func TestWindowAndBytes(t *testing.T) {
	assert.Equal(t, "24h", Window(24*time.Hour))
	assert.Equal(t, "7d", Window(7*24*time.Hour))
	assert.Equal(t, "30m", Window(30*time.Minute))
	assert.Equal(t, "512B", Bytes(512))
	assert.Equal(t, "1.5KB", Bytes(1536))
	assert.Equal(t, "2.0MB", Bytes(2<<20))
}

func TestResultConstructors(t *testing.T) {
	assert.True(t, Empty("no data").NoData)
	assert.False(t, Text("x").NoData)
}
