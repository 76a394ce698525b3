// Package clock provides the canonical timestamp source. Every instant that
// crosses a persistence or wire boundary is formatted as a lexicographically
// sortable ISO-8601 string: UTC, millisecond precision, trailing Z.
package clock

import "time"

// Layout is the canonical instant format.
const Layout = "2006-01-02T15:04:05.000Z"

// Clock supplies the current instant. Injected so tests can freeze time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always returns the same instant. Test helper.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }

// ISO renders t in the canonical format.
func ISO(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a canonical or RFC 3339 instant.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(Layout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
