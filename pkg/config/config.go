// Package config loads node settings from defaults, an optional config file,
// the environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment key except SWARM_MANAGERS.
const EnvPrefix = "SWARM_TOKEN"

// ManagersEnv is the peer list variable. It is also re-read on every static
// reload.
const ManagersEnv = "SWARM_MANAGERS"

const (
	ProtoHTTP = "http"
	ProtoGRPC = "grpc"
)

const (
	DiscoveryStatic = "static"
	DiscoveryFile   = "file"
	DiscoveryDNS    = "dns"
	DiscoveryGossip = "gossip"
)

var ErrInvalid = errors.New("config: invalid")

// Config holds the node settings.
type Config struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Managers     string `mapstructure:"managers"`
	Discovery    string `mapstructure:"discovery"`
	ManagersFile string `mapstructure:"managers_file"`
	DNSNames     string `mapstructure:"dns_names"`
	DNSPort      int    `mapstructure:"dns_port"`
	DockerBin    string `mapstructure:"docker_bin"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	Trace        bool   `mapstructure:"trace"`

	// GRPCPort enables the gRPC API when non-zero. ProbeProto selects how
	// peers are probed; peer addresses must point at the matching port.
	GRPCPort   int    `mapstructure:"grpc_port"`
	ProbeProto string `mapstructure:"probe_proto"`

	TLSCert       string `mapstructure:"tls_cert"`
	TLSKey        string `mapstructure:"tls_key"`
	TLSCA         string `mapstructure:"tls_ca"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`

	// Gossip discovery. NodeName defaults to the hostname; GossipAPIAddr
	// defaults to the gossip address of this node with the API port of
	// the selected probe protocol.
	NodeName        string `mapstructure:"node_name"`
	GossipBind      string `mapstructure:"gossip_bind"`
	GossipAdvertise string `mapstructure:"gossip_advertise"`
	GossipSeeds     string `mapstructure:"gossip_seeds"`
	GossipAPIAddr   string `mapstructure:"gossip_api_addr"`

	// ManagersPinned is set when Managers came from an explicit flag or the
	// config file without SWARM_MANAGERS overriding it. A pinned list is not
	// re-read from the environment on reload.
	ManagersPinned bool `mapstructure:"-"`
}

type setting struct {
	key, flag, usage string
	def              any
}

var settings = []setting{
	{"host", "host", "Bind host", "0.0.0.0"},
	{"port", "port", "Bind port", 3535},
	{"managers", "managers", "Comma-separated manager peers (host:port)", ""},
	{"discovery", "discovery", "Peer discovery: static|file|dns|gossip", DiscoveryStatic},
	{"managers_file", "managers-file", "Peer list file for file discovery", ""},
	{"dns_names", "dns-names", "Comma-separated DNS names for dns discovery", ""},
	{"dns_port", "dns-port", "Peer port for A/AAAA records", 3535},
	{"docker_bin", "docker-bin", "Path of the docker CLI", "docker"},
	{"log_level", "log-level", "Log level: debug|info|warn|error", "info"},
	{"log_format", "log-format", "Log format: console|json", "console"},
	{"trace", "trace", "Enable stdout tracing", false},
	{"grpc_port", "grpc-port", "Port of the optional gRPC API (0 disables)", 0},
	{"probe_proto", "probe-proto", "Peer probe protocol: http|grpc", ProtoHTTP},
	{"tls_cert", "tls-cert", "TLS certificate file for the API", ""},
	{"tls_key", "tls-key", "TLS key file for the API", ""},
	{"tls_ca", "tls-ca", "CA file to verify peers and clients", ""},
	{"tls_skip_verify", "tls-skip-verify", "Skip peer certificate verification", false},
	{"node_name", "node-name", "Gossip node name (defaults to hostname)", ""},
	{"gossip_bind", "gossip-bind", "Gossip bind address", "0.0.0.0:7946"},
	{"gossip_advertise", "gossip-advertise", "Gossip address advertised to peers", ""},
	{"gossip_seeds", "gossip-seeds", "Comma-separated gossip seed addresses", ""},
	{"gossip_api_addr", "gossip-api-addr", "API address advertised over gossip", ""},
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Host:       "0.0.0.0",
		Port:       3535,
		Discovery:  DiscoveryStatic,
		DNSPort:    3535,
		DockerBin:  "docker",
		LogLevel:   "info",
		LogFormat:  "console",
		ProbeProto: ProtoHTTP,
		GossipBind: "0.0.0.0:7946",
	}
}

// RegisterFlags adds one flag per setting to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, s := range settings {
		switch d := s.def.(type) {
		case string:
			fs.String(s.flag, d, s.usage)
		case int:
			fs.Int(s.flag, d, s.usage)
		case bool:
			fs.Bool(s.flag, d, s.usage)
		}
	}
}

// Load resolves the configuration. fs and path are optional. Flags only
// override when explicitly set.
func Load(fs *pflag.FlagSet, path string) (Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("managers", ManagersEnv); err != nil {
		return Config{}, err
	}

	if fs != nil {
		for _, s := range settings {
			if f := fs.Lookup(s.flag); f != nil {
				if err := v.BindPFlag(s.key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.ManagersPinned = managersPinned(v, fs)
	cfg.Discovery = strings.ToLower(strings.TrimSpace(cfg.Discovery))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.ProbeProto = strings.ToLower(strings.TrimSpace(cfg.ProbeProto))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func managersPinned(v *viper.Viper, fs *pflag.FlagSet) bool {
	if fs != nil {
		if f := fs.Lookup("managers"); f != nil && f.Changed {
			return true
		}
	}
	if _, ok := os.LookupEnv(ManagersEnv); ok {
		return false
	}
	return v.InConfig("managers")
}

// Validate checks ranges and required combinations.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	switch c.Discovery {
	case DiscoveryStatic:
	case DiscoveryFile:
		if c.ManagersFile == "" {
			return fmt.Errorf("%w: file discovery requires managers_file", ErrInvalid)
		}
	case DiscoveryDNS:
		if strings.TrimSpace(c.DNSNames) == "" {
			return fmt.Errorf("%w: dns discovery requires dns_names", ErrInvalid)
		}
		if c.DNSPort < 1 || c.DNSPort > 65535 {
			return fmt.Errorf("%w: dns_port %d out of range", ErrInvalid, c.DNSPort)
		}
	case DiscoveryGossip:
		if _, _, err := net.SplitHostPort(c.GossipBind); err != nil {
			return fmt.Errorf("%w: gossip_bind %q: %v", ErrInvalid, c.GossipBind, err)
		}
		if c.GossipAdvertise != "" {
			if _, _, err := net.SplitHostPort(c.GossipAdvertise); err != nil {
				return fmt.Errorf("%w: gossip_advertise %q: %v", ErrInvalid, c.GossipAdvertise, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown discovery %q", ErrInvalid, c.Discovery)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.LogFormat)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("%w: grpc_port %d out of range", ErrInvalid, c.GRPCPort)
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.Port {
		return fmt.Errorf("%w: grpc_port must differ from port", ErrInvalid)
	}
	switch c.ProbeProto {
	case ProtoHTTP, ProtoGRPC:
	default:
		return fmt.Errorf("%w: unknown probe_proto %q", ErrInvalid, c.ProbeProto)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%w: tls_cert and tls_key must be set together", ErrInvalid)
	}
	if c.DockerBin == "" {
		return fmt.Errorf("%w: empty docker_bin", ErrInvalid)
	}
	return nil
}

// Addr is the host:port the HTTP API binds to.
func (c Config) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// APIPort is the port peers are probed on: the gRPC port when probing over
// gRPC, the HTTP port otherwise.
func (c Config) APIPort() int {
	if c.ProbeProto == ProtoGRPC && c.GRPCPort != 0 {
		return c.GRPCPort
	}
	return c.Port
}

// GRPCAddr is the host:port of the gRPC API, empty when disabled.
func (c Config) GRPCAddr() string {
	if c.GRPCPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.GRPCPort))
}
