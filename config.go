package sniproxy

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/mongodb/slogger/v2/slogger"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	BindHost string
	BindPort int

	TCPKeepAlivePeriod time.Duration // set to 0 for no keep alives

	// AcceptProxyProtocol strips a PROXY protocol v1 or v2 header, when
	// present, and logs the client address it carries.
	AcceptProxyProtocol bool

	// HandshakeTimeout bounds how long a client may take to send its PROXY
	// header and ClientHello. 0 means no deadline.
	HandshakeTimeout time.Duration

	// MaxConnections caps concurrent sessions; 0 means no cap.
	MaxConnections int

	LogLevel  slogger.Level
	Appenders []slogger.Appender
}

func (sc *ServerConfig) BindAddress() string {
	return net.JoinHostPort(sc.BindHost, strconv.Itoa(sc.BindPort))
}

type ProxyConfig struct {
	ServerConfig

	// TargetPort is appended to the SNI host name to form the lookup key.
	TargetPort       int
	MaxHandshakeSize int

	// Zero disables the corresponding deadline.
	ResolveTimeout time.Duration
	ConnectTimeout time.Duration

	Resolver      Resolver // nil means the system resolver
	Dialer        Dialer   // nil means a plain *net.Dialer
	AccessChecker AccessChecker
}

func NewProxyConfig(bindHost string, bindPort int, targetPort int) ProxyConfig {
	return ProxyConfig{
		ServerConfig{
			bindHost,
			bindPort,
			0,            // TCPKeepAlivePeriod
			false,        // AcceptProxyProtocol
			0,            // HandshakeTimeout
			0,            // MaxConnections
			slogger.WARN, // LogLevel
			nil,          // Appenders
		},
		targetPort,
		DefaultMaxHandshakeSize,
		0,   // ResolveTimeout
		0,   // ConnectTimeout
		nil, // Resolver
		nil, // Dialer
		nil, // AccessChecker
	}
}

func (pc *ProxyConfig) Validate() error {
	if pc.BindPort < 0 || pc.BindPort > 65535 {
		return NewStackErrorf("invalid bind port %d", pc.BindPort)
	}
	if pc.TargetPort <= 0 || pc.TargetPort > 65535 {
		return NewStackErrorf("invalid target port %d", pc.TargetPort)
	}
	if pc.MaxHandshakeSize <= 0 || pc.MaxHandshakeSize > 0xffff {
		return NewStackErrorf("max handshake size must be in [1, 65535], got %d", pc.MaxHandshakeSize)
	}
	if pc.MaxConnections < 0 {
		return NewStackErrorf("max connections must not be negative, got %d", pc.MaxConnections)
	}
	return nil
}

// FileConfig is the YAML configuration file. Zero values leave the
// corresponding ProxyConfig field alone.
type FileConfig struct {
	Listen           string        `yaml:"listen"`
	TargetPort       int           `yaml:"target_port"`
	MaxHandshakeSize int           `yaml:"max_handshake_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ResolveTimeout   time.Duration `yaml:"resolve_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	TCPKeepAlive     time.Duration `yaml:"tcp_keepalive"`
	ProxyProtocol    bool          `yaml:"proxy_protocol"`
	MaxConnections   int           `yaml:"max_connections"`
	LogLevel         string        `yaml:"log_level"`
	DNSServer        string        `yaml:"dns_server"`
	SOCKS5Proxy      string        `yaml:"socks5_proxy"`
	Allow            []string      `yaml:"allow"`
	Deny             []string      `yaml:"deny"`

	// Routes pins server names to addresses ahead of DNS, as
	// "name=addr[,addr...]".
	Routes []string `yaml:"routes"`
}

func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewStackErrorf("cannot read config file %s: %v", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*FileConfig, error) {
	fc := &FileConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, NewStackErrorf("cannot parse config: %v", err)
	}
	return fc, nil
}

// Apply copies the file settings into pc and builds the resolver, dialer and
// access rules they describe.
func (fc *FileConfig) Apply(pc *ProxyConfig) error {
	if fc.Listen != "" {
		host, port, err := net.SplitHostPort(fc.Listen)
		if err != nil {
			return NewStackErrorf("invalid listen address %q: %v", fc.Listen, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return NewStackErrorf("invalid listen port %q", port)
		}
		pc.BindHost, pc.BindPort = host, p
	}
	if fc.TargetPort != 0 {
		pc.TargetPort = fc.TargetPort
	}
	if fc.MaxHandshakeSize != 0 {
		pc.MaxHandshakeSize = fc.MaxHandshakeSize
	}
	if fc.HandshakeTimeout != 0 {
		pc.HandshakeTimeout = fc.HandshakeTimeout
	}
	if fc.ResolveTimeout != 0 {
		pc.ResolveTimeout = fc.ResolveTimeout
	}
	if fc.ConnectTimeout != 0 {
		pc.ConnectTimeout = fc.ConnectTimeout
	}
	if fc.TCPKeepAlive != 0 {
		pc.TCPKeepAlivePeriod = fc.TCPKeepAlive
	}
	if fc.ProxyProtocol {
		pc.AcceptProxyProtocol = true
	}
	if fc.MaxConnections != 0 {
		pc.MaxConnections = fc.MaxConnections
	}
	if fc.LogLevel != "" {
		level, err := ParseLogLevel(fc.LogLevel)
		if err != nil {
			return err
		}
		pc.LogLevel = level
	}
	if fc.DNSServer != "" {
		pc.Resolver = NewDNSResolver(fc.DNSServer, pc.ResolveTimeout)
	}
	if len(fc.Routes) > 0 {
		if err := AddRoutes(pc, fc.Routes); err != nil {
			return err
		}
	}
	if fc.SOCKS5Proxy != "" {
		d, err := NewSOCKS5Dialer(fc.SOCKS5Proxy, nil, pc.ConnectTimeout)
		if err != nil {
			return NewStackErrorf("invalid socks5 proxy %q: %v", fc.SOCKS5Proxy, err)
		}
		pc.Dialer = d
	}
	if len(fc.Allow) > 0 || len(fc.Deny) > 0 {
		pc.AccessChecker = &HostRules{Allow: fc.Allow, Deny: fc.Deny}
	}
	return nil
}

// AddRoutes puts static routes in front of pc's resolver, which then only
// sees names the routes do not cover.
func AddRoutes(pc *ProxyConfig, routes []string) error {
	static := StaticResolver{}
	for _, route := range routes {
		key, addrs, err := ParseRoute(route, pc.TargetPort)
		if err != nil {
			return NewStackErrorf("%v", err)
		}
		static[key] = append(static[key], addrs...)
	}
	next := pc.Resolver
	if next == nil {
		next = NetResolver{}
	}
	pc.Resolver = ChainResolver{static, next}
	return nil
}

func (fc *FileConfig) String() string {
	return fmt.Sprintf("{listen: %q, target_port: %d, max_handshake_size: %d}", fc.Listen, fc.TargetPort, fc.MaxHandshakeSize)
}
