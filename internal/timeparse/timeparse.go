// Package timeparse provides layered parsing for the since expressions
// accepted by the CLI and the HTTP surface.
//
// Layers, tried in order:
//  1. Compact look-back duration (6h, 2d, 1w, 3m, 1y)
//  2. Absolute timestamp (RFC3339 or date-only)
//  3. Natural language ("yesterday", "last monday")
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactDurationRe matches compact duration patterns: (\d+)([hdwmy]).
var compactDurationRe = regexp.MustCompile(`^(\d+)([hdwmy])$`)

var nlParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// ParseSince resolves a since expression to an absolute UTC instant in the
// past. Compact durations look back from now: "7d" means seven days ago.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	if m := compactDurationRe.FindStringSubmatch(s); m != nil {
		amount, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[1])
		}
		return applyLookback(now, amount, m[2]).UTC(), nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	r, err := nlParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time expression %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time expression %q", s)
	}
	return r.Time.UTC(), nil
}

func applyLookback(base time.Time, amount int, unit string) time.Time {
	switch unit {
	case "h":
		return base.Add(-time.Duration(amount) * time.Hour)
	case "d":
		return base.AddDate(0, 0, -amount)
	case "w":
		return base.AddDate(0, 0, -amount*7)
	case "m":
		return base.AddDate(0, -amount, 0)
	case "y":
		return base.AddDate(-amount, 0, 0)
	}
	return base
}
