package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/amirimatin/swarm-token-server/pkg/discovery"
)

// Options configures DNS-based discovery.
type Options struct {
	// Names are SRV records or hostnames to resolve.
	// Examples: "_swarm-token._tcp.example.com" (SRV) or "tasks.swarm-token"
	// (A/AAAA, the swarm service task alias).
	Names []string

	// Port used when resolving A/AAAA records (no port info in DNS answer).
	Port int

	// Timeout bounds one full resolution pass; defaults to 5s.
	Timeout time.Duration

	// Resolver optionally overrides the DNS resolver used.
	Resolver *net.Resolver
}

type impl struct {
	opts Options
}

// New returns a DNS-backed discovery that resolves SRV and A/AAAA names on
// every call.
func New(opts Options) discovery.Discovery {
	if opts.Port == 0 {
		opts.Port = 3535
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	return &impl{opts: opts}
}

func (d *impl) Peers() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()
	return d.resolveAll(ctx)
}

func (d *impl) resolveAll(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	var lastErr error
	add := func(hp string) {
		if _, ok := seen[hp]; !ok {
			out = append(out, hp)
			seen[hp] = struct{}{}
		}
	}
	for _, name := range d.opts.Names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		// If already host:port, take as-is
		if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
			add(name)
			continue
		}
		if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
			recs, err := d.lookupSRV(ctx, name)
			if err == nil && len(recs) > 0 {
				for _, hp := range recs {
					add(hp)
				}
				continue
			}
		}
		hps, err := d.lookupHost(ctx, name, d.opts.Port)
		if err != nil {
			lastErr = err
			continue
		}
		for _, hp := range hps {
			add(hp)
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("discovery/dns: %w", lastErr)
	}
	sort.Strings(out)
	return out, nil
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" || proto == "" || domain == "" {
		return nil, fmt.Errorf("bad SRV name %q", fqdn)
	}
	_, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		host := strings.TrimSuffix(a.Target, ".")
		out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
	}
	return out, nil
}

func (d *impl) lookupHost(ctx context.Context, host string, port int) ([]string, error) {
	ips, err := d.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
	}
	return out, nil
}

func parseSRVName(fqdn string) (service, proto, name string) {
	// Expect pattern: _service._proto.name
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
