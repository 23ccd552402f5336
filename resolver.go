package sniproxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/proxy"
)

// Resolver turns a "host:port" lookup key into candidate "ip:port" addresses,
// in the order the underlying resolver produced them.
type Resolver interface {
	Resolve(ctx context.Context, hostport string) ([]string, error)
}

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NetResolver resolves with the system resolver.
type NetResolver struct {
	Resolver *net.Resolver
}

func (r NetResolver) Resolve(ctx context.Context, hostport string) ([]string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ips, err := res.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return joinPort(ips, port), nil
}

// DNSResolver queries one DNS server directly, A records first and AAAA if
// there are none.
type DNSResolver struct {
	Server string
	Client *dns.Client
}

func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{
		Server: server,
		Client: &dns.Client{Timeout: timeout},
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, hostport string) ([]string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ips, err := r.exchange(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		if len(ips) > 0 {
			return joinPort(ips, port), nil
		}
	}
	return nil, fmt.Errorf("no A or AAAA records for %s", host)
}

func (r *DNSResolver) exchange(ctx context.Context, host string, qtype uint16) ([]string, error) {
	c := r.Client
	if c == nil {
		c = &dns.Client{}
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)

	resp, _, err := c.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("lookup %s: %s", host, dns.RcodeToString[resp.Rcode])
	}

	var ips []string
	for _, ans := range resp.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			ips = append(ips, rr.A.String())
		case *dns.AAAA:
			ips = append(ips, rr.AAAA.String())
		}
	}
	return ips, nil
}

// StaticResolver answers from a fixed table keyed by lower case "host:port".
type StaticResolver map[string][]string

func (r StaticResolver) Resolve(ctx context.Context, hostport string) ([]string, error) {
	addrs, ok := r[strings.ToLower(hostport)]
	if !ok {
		return nil, fmt.Errorf("no static route for %s", hostport)
	}
	return addrs, nil
}

// ChainResolver asks each resolver in turn and returns the first non-empty
// answer. Errors from earlier resolvers are dropped once a later one answers.
type ChainResolver []Resolver

func (rs ChainResolver) Resolve(ctx context.Context, hostport string) ([]string, error) {
	var lastErr error
	for _, r := range rs {
		addrs, err := r.Resolve(ctx, hostport)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", hostport)
	}
	return nil, lastErr
}

// ParseRoute parses "name=addr[,addr...]" into a StaticResolver entry keyed
// by name and targetPort. Addresses without a port get targetPort.
func ParseRoute(route string, targetPort int) (string, []string, error) {
	name, addrList, ok := strings.Cut(route, "=")
	name = strings.ToLower(strings.TrimSpace(name))
	if !ok || name == "" || addrList == "" {
		return "", nil, fmt.Errorf("invalid route %q, want name=addr[,addr...]", route)
	}
	var addrs []string
	for _, addr := range strings.Split(addrList, ",") {
		addr = strings.TrimSpace(addr)
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, strconv.Itoa(targetPort))
		}
		addrs = append(addrs, addr)
	}
	return net.JoinHostPort(name, strconv.Itoa(targetPort)), addrs, nil
}

func joinPort(ips []string, port string) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, port))
	}
	return out
}

// NewSOCKS5Dialer returns a Dialer that reaches backends through a SOCKS5
// proxy at addr.
func NewSOCKS5Dialer(addr string, auth *proxy.Auth, timeout time.Duration) (Dialer, error) {
	d, err := proxy.SOCKS5("tcp", addr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", addr)
	}
	return cd, nil
}

// Connector resolves a host name once and dials the first address. It never
// retries and never tries alternate addresses.
type Connector struct {
	Resolver   Resolver
	Dialer     Dialer
	TargetPort int

	ResolveTimeout time.Duration
	ConnectTimeout time.Duration
}

// Resolve returns the address Connect would dial for host.
func (c *Connector) Resolve(ctx context.Context, host string) (string, error) {
	key := net.JoinHostPort(host, strconv.Itoa(c.TargetPort))

	if c.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ResolveTimeout)
		defer cancel()
	}

	addrs, err := c.Resolver.Resolve(ctx, key)
	if err != nil {
		return "", newProxyError(ResolutionFailed, "failed to resolve %s: %w", key, err)
	}
	if len(addrs) == 0 {
		return "", newProxyError(ResolutionFailed, "failed to resolve %s: no addresses", key)
	}
	return addrs[0], nil
}

// Dial opens the outbound connection to addr.
func (c *Connector) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newProxyError(ConnectFailed, "failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// Connect resolves host and dials the first address.
func (c *Connector) Connect(ctx context.Context, host string) (net.Conn, string, error) {
	addr, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, "", err
	}
	conn, err := c.Dial(ctx, addr)
	if err != nil {
		return nil, addr, err
	}
	return conn, addr, nil
}
