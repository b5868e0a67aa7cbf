package static

import (
	"os"

	"github.com/amirimatin/swarm-token-server/pkg/discovery"
)

type staticPeers struct {
	csv string
	env string
}

// Peers re-reads the environment variable when configured so that a reload
// observes changes made to the process environment.
func (s *staticPeers) Peers() ([]string, error) {
	if s.env != "" {
		if v, ok := os.LookupEnv(s.env); ok {
			return discovery.ParseCSV(v), nil
		}
	}
	return discovery.ParseCSV(s.csv), nil
}

// New returns a Discovery over a fixed comma-separated list.
func New(csv string) discovery.Discovery {
	return &staticPeers{csv: csv}
}

// FromEnv returns a Discovery reading env on every call, falling back to csv
// when env is unset.
func FromEnv(env, csv string) discovery.Discovery {
	return &staticPeers{csv: csv, env: env}
}

// Parse converts a comma-separated list into peer addresses.
func Parse(csv string) []string { return discovery.ParseCSV(csv) }
