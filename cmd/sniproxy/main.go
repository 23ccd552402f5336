package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mongodb/slogger/v2/slogger"
	"github.com/mongodb/sniproxy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// CLI defaults. The library leaves every timeout off; a process facing the
// internet should not.
const (
	defaultListen           = "0.0.0.0:443"
	defaultHandshakeTimeout = 10 * time.Second
	defaultResolveTimeout   = 5 * time.Second
	defaultConnectTimeout   = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sniproxy: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sniproxy",
		Short:         "Route TLS connections to backends by SNI without terminating TLS",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pc, err := buildConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return run(pc)
		},
	}

	f := cmd.Flags()
	f.StringP("config", "c", "", "YAML config file; flags override it")
	f.StringP("listen", "l", defaultListen, "address to accept connections on")
	f.IntP("target-port", "p", 443, "port appended to the SNI host name when resolving")
	f.Int("max-handshake-size", sniproxy.DefaultMaxHandshakeSize, "largest ClientHello record accepted, in bytes")
	f.Duration("handshake-timeout", defaultHandshakeTimeout, "time allowed for the client to send its ClientHello (0 disables)")
	f.Duration("resolve-timeout", defaultResolveTimeout, "time allowed for resolving a backend (0 disables)")
	f.Duration("connect-timeout", defaultConnectTimeout, "time allowed for connecting to a backend (0 disables)")
	f.Duration("tcp-keepalive", 0, "TCP keep alive period for accepted connections (0 disables)")
	f.Int("max-connections", 0, "concurrent connection limit (0 is unlimited)")
	f.Bool("proxy-protocol", false, "expect a PROXY protocol v1 or v2 header from a load balancer")
	f.String("dns-server", "", "resolve backends with this DNS server instead of the system resolver")
	f.String("socks5-proxy", "", "reach backends through this SOCKS5 proxy")
	f.StringSlice("allow", nil, "only route these domains and their subdomains")
	f.StringSlice("deny", nil, "never route these domains and their subdomains")
	f.StringArrayP("route", "r", nil, "pin a server name to addresses ahead of DNS: name=addr[,addr...]")
	f.String("log-level", "warn", fmt.Sprintf("off, trace, debug, info, warn or error; %s overrides it", sniproxy.LogLevelEnvVar))
	return cmd
}

// buildConfig layers flag defaults, the config file, explicitly set flags
// and finally the environment.
func buildConfig(flags *pflag.FlagSet) (sniproxy.ProxyConfig, error) {
	pc := sniproxy.NewProxyConfig("", 0, 443)
	pc.HandshakeTimeout = defaultHandshakeTimeout
	pc.ResolveTimeout = defaultResolveTimeout
	pc.ConnectTimeout = defaultConnectTimeout

	fc := &sniproxy.FileConfig{Listen: defaultListen}
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := sniproxy.LoadConfigFile(path)
		if err != nil {
			return pc, err
		}
		if loaded.Listen == "" {
			loaded.Listen = defaultListen
		}
		fc = loaded
	}
	if err := overlayFlags(fc, flags); err != nil {
		return pc, err
	}
	// explicit zeros from flags have to bypass Apply, which skips zero values.
	// Set them first so the resolver and dialer Apply builds see them.
	for name, dst := range map[string]*time.Duration{
		"handshake-timeout": &pc.HandshakeTimeout,
		"resolve-timeout":   &pc.ResolveTimeout,
		"connect-timeout":   &pc.ConnectTimeout,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}
	if err := fc.Apply(&pc); err != nil {
		return pc, err
	}

	level, err := sniproxy.LogLevelFromEnv(pc.LogLevel)
	if err != nil {
		return pc, err
	}
	pc.LogLevel = level

	return pc, pc.Validate()
}

func overlayFlags(fc *sniproxy.FileConfig, flags *pflag.FlagSet) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Changed(name) {
			err = apply()
		}
	}

	set("listen", func() (e error) { fc.Listen, e = flags.GetString("listen"); return })
	set("target-port", func() (e error) { fc.TargetPort, e = flags.GetInt("target-port"); return })
	set("max-handshake-size", func() (e error) { fc.MaxHandshakeSize, e = flags.GetInt("max-handshake-size"); return })
	set("handshake-timeout", func() (e error) { fc.HandshakeTimeout, e = flags.GetDuration("handshake-timeout"); return })
	set("resolve-timeout", func() (e error) { fc.ResolveTimeout, e = flags.GetDuration("resolve-timeout"); return })
	set("connect-timeout", func() (e error) { fc.ConnectTimeout, e = flags.GetDuration("connect-timeout"); return })
	set("tcp-keepalive", func() (e error) { fc.TCPKeepAlive, e = flags.GetDuration("tcp-keepalive"); return })
	set("max-connections", func() (e error) { fc.MaxConnections, e = flags.GetInt("max-connections"); return })
	set("proxy-protocol", func() (e error) { fc.ProxyProtocol, e = flags.GetBool("proxy-protocol"); return })
	set("dns-server", func() (e error) { fc.DNSServer, e = flags.GetString("dns-server"); return })
	set("socks5-proxy", func() (e error) { fc.SOCKS5Proxy, e = flags.GetString("socks5-proxy"); return })
	set("log-level", func() (e error) { fc.LogLevel, e = flags.GetString("log-level"); return })
	set("allow", func() error {
		v, e := flags.GetStringSlice("allow")
		fc.Allow = append(fc.Allow, v...)
		return e
	})
	set("deny", func() error {
		v, e := flags.GetStringSlice("deny")
		fc.Deny = append(fc.Deny, v...)
		return e
	})
	set("route", func() error {
		v, e := flags.GetStringArray("route")
		fc.Routes = append(fc.Routes, v...)
		return e
	})
	return err
}

func run(pc sniproxy.ProxyConfig) error {
	proxy, err := sniproxy.NewProxy(pc)
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- proxy.Run()
	}()
	if err := <-proxy.InitChannel(); err != nil {
		return err
	}

	logger := proxy.NewLogger("sniproxy")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		logger.Logf(slogger.WARN, "signal %s received, shutting down", s)
		proxy.Close()
		return <-runErr
	case err := <-runErr:
		return err
	}
}
