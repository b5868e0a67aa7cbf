package file

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/amirimatin/swarm-token-server/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
	// Path to a file containing one peer per line or comma-separated lists.
	// Blank lines and lines starting with '#' are ignored.
	Path string
	// Env overrides the file when set and non-empty.
	Env string
}

type impl struct {
	opts Options
}

func New(opts Options) discovery.Discovery { return &impl{opts: opts} }

func (i *impl) Peers() ([]string, error) {
	if i.opts.Env != "" {
		if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
			return discovery.ParseCSV(v), nil
		}
	}
	if i.opts.Path == "" {
		return nil, nil
	}
	return loadFile(i.opts.Path)
}

func loadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("discovery/file: %w", err)
	}
	defer f.Close()
	var peers []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		peers = append(peers, discovery.ParseCSV(line)...)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("discovery/file: read %s: %w", path, err)
	}
	return peers, nil
}
