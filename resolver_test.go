package sniproxy

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNSServer serves records on an ephemeral UDP port. Names missing
// from records get NXDOMAIN.
func startDNSServer(t *testing.T, records map[string][]dns.RR) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		rrs, ok := records[strings.ToLower(q.Name)]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		for _, rr := range rrs {
			if rr.Header().Rrtype == q.Qtype {
				m.Answer = append(m.Answer, rr)
			}
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go server.ActivateAndServe()
	<-started
	t.Cleanup(func() { server.Shutdown() })

	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) dns.RR {
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestDNSResolver(t *testing.T) {
	addr := startDNSServer(t, map[string][]dns.RR{
		"example.test.": {
			mustRR(t, "example.test. 60 IN A 203.0.113.10"),
			mustRR(t, "example.test. 60 IN A 203.0.113.11"),
		},
		"v6only.test.": {
			mustRR(t, "v6only.test. 60 IN AAAA 2001:db8::1"),
		},
		"empty.test.": {},
	})
	r := NewDNSResolver(addr, 2*time.Second)
	ctx := context.Background()

	addrs, err := r.Resolve(ctx, "example.test:443")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.10:443", "203.0.113.11:443"}, addrs)

	addrs, err = r.Resolve(ctx, "v6only.test:8443")
	require.NoError(t, err)
	assert.Equal(t, []string{"[2001:db8::1]:8443"}, addrs)

	_, err = r.Resolve(ctx, "missing.test:443")
	assert.Error(t, err)

	_, err = r.Resolve(ctx, "empty.test:443")
	assert.Error(t, err)
}

func TestNewDNSResolverDefaultPort(t *testing.T) {
	assert.Equal(t, "192.0.2.53:53", NewDNSResolver("192.0.2.53", 0).Server)
	assert.Equal(t, "192.0.2.53:5353", NewDNSResolver("192.0.2.53:5353", 0).Server)
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{"example.test:443": {"203.0.113.10:443"}}

	addrs, err := r.Resolve(context.Background(), "example.test:443")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.10:443"}, addrs)

	_, err = r.Resolve(context.Background(), "example.test:8443")
	assert.Error(t, err)
}

type recordingDialer struct {
	dialed []string
	err    error
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dialed = append(d.dialed, address)
	if d.err != nil {
		return nil, d.err
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func TestConnectorUsesFirstAddress(t *testing.T) {
	dialer := &recordingDialer{}
	c := &Connector{
		Resolver:   StaticResolver{"example.test:443": {"203.0.113.10:443", "203.0.113.11:443"}},
		Dialer:     dialer,
		TargetPort: 443,
	}

	conn, addr, err := c.Connect(context.Background(), "example.test")
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, "203.0.113.10:443", addr)
	assert.Equal(t, []string{"203.0.113.10:443"}, dialer.dialed)
}

func TestConnectorResolutionFailed(t *testing.T) {
	dialer := &recordingDialer{}
	c := &Connector{Resolver: StaticResolver{"empty.test:443": {}}, Dialer: dialer, TargetPort: 443}

	_, _, err := c.Connect(context.Background(), "missing.test")
	assert.True(t, errors.Is(err, ErrResolutionFailed), "%v", err)

	_, _, err = c.Connect(context.Background(), "empty.test")
	assert.True(t, errors.Is(err, ErrResolutionFailed), "%v", err)

	assert.Empty(t, dialer.dialed)
}

func TestConnectorConnectFailed(t *testing.T) {
	refused := errors.New("connection refused")
	dialer := &recordingDialer{err: refused}
	c := &Connector{
		Resolver:   StaticResolver{"example.test:443": {"203.0.113.10:443", "203.0.113.11:443"}},
		Dialer:     dialer,
		TargetPort: 443,
	}

	_, addr, err := c.Connect(context.Background(), "example.test")
	assert.True(t, errors.Is(err, ErrConnectFailed), "%v", err)
	assert.True(t, errors.Is(err, refused), "%v", err)
	assert.Equal(t, "203.0.113.10:443", addr)
	// no retries and no fallback to the second address
	assert.Equal(t, []string{"203.0.113.10:443"}, dialer.dialed)
}

type slowResolver struct{}

func (slowResolver) Resolve(ctx context.Context, hostport string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectorResolveTimeout(t *testing.T) {
	c := &Connector{Resolver: slowResolver{}, Dialer: &recordingDialer{}, TargetPort: 443, ResolveTimeout: 20 * time.Millisecond}

	_, err := c.Resolve(context.Background(), "example.test")
	assert.True(t, errors.Is(err, ErrResolutionFailed), "%v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
}

func TestChainResolver(t *testing.T) {
	r := ChainResolver{
		StaticResolver{"pinned.test:443": {"192.0.2.1:443"}},
		StaticResolver{"pinned.test:443": {"192.0.2.2:443"}, "other.test:443": {"192.0.2.3:443"}},
	}

	addrs, err := r.Resolve(context.Background(), "Pinned.TEST:443")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1:443"}, addrs)

	addrs, err = r.Resolve(context.Background(), "other.test:443")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.3:443"}, addrs)

	_, err = r.Resolve(context.Background(), "missing.test:443")
	assert.Error(t, err)

	_, err = ChainResolver{}.Resolve(context.Background(), "missing.test:443")
	assert.Error(t, err)
}

func TestParseRoute(t *testing.T) {
	key, addrs, err := ParseRoute("DB.example.test=10.0.0.1, 10.0.0.2:9443", 443)
	require.NoError(t, err)
	assert.Equal(t, "db.example.test:443", key)
	assert.Equal(t, []string{"10.0.0.1:443", "10.0.0.2:9443"}, addrs)

	for _, bad := range []string{"", "db.example.test", "=10.0.0.1", "db.example.test="} {
		_, _, err := ParseRoute(bad, 443)
		assert.Error(t, err, bad)
	}
}
