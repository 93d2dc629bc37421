// ABOUTME: Result type shared by the read API and the radio text budget helpers
// ABOUTME: Compact output must fit one radio message; detailed output has no limit

package report

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// CompactLimit is the longest text a single radio message can carry.
const CompactLimit = 180

// ellipsis marks truncated compact text.
const ellipsis = "…"

// Result is what every analytical query returns. NoData is set when the
// store had nothing for the query; that is not an error.
type Result struct {
	Text   string
	NoData bool
}

// Empty returns a NoData result with a human readable explanation.
func Empty(text string) Result {
	return Result{Text: text, NoData: true}
}

// Text returns a result with data.
func Text(text string) Result {
	return Result{Text: text}
}

// Fit trims s to at most CompactLimit runes, ending with an ellipsis when
// anything was cut. Cuts prefer the last separator before the limit.
func Fit(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= CompactLimit {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:CompactLimit-1])
	if i := strings.LastIndexAny(cut, " |,;\n"); i > CompactLimit/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " |,;\n") + ellipsis
}

// Join assembles compact parts with " | " and fits the result. Parts are
// dropped from the end rather than cut mid-word when possible.
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		next := p
		if b.Len() > 0 {
			next = " | " + p
		}
		if utf8.RuneCountInString(b.String()+next) > CompactLimit {
			if b.Len() == 0 {
				return Fit(p)
			}
			break
		}
		b.WriteString(next)
	}
	return b.String()
}

// Ago renders how long before now t happened, at the coarsest useful unit.
func Ago(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// Window renders a look-back duration such as 24h or 7d.
func Window(d time.Duration) string {
	if d >= 48*time.Hour && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
	if d >= time.Hour {
		return fmt.Sprintf("%dh", int(math.Round(d.Hours())))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

// Bytes renders a byte count with a binary unit.
func Bytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}
