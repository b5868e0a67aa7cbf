// Package discovery abstracts where the manager peer list comes from.
package discovery

import "strings"

// Discovery provides the current set of peer addresses (host:port). It is
// consulted on every registry load, so implementations re-read their source.
type Discovery interface {
	Peers() ([]string, error)
}

// Func adapts a plain function to Discovery.
type Func func() ([]string, error)

func (f Func) Peers() ([]string, error) { return f() }

// ParseCSV splits a comma-separated list into trimmed, non-empty entries.
// Order is preserved and duplicates are kept.
func ParseCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
