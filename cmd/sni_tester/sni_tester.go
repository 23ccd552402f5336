package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"time"
)

// sni_tester opens a TLS connection through the proxy with a chosen server
// name and reports which backend certificate came back.
func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:443", "address the proxy listens on")
	sni := flag.String("sni", "", "server name to send in the ClientHello")
	timeout := flag.Duration("timeout", 10*time.Second, "dial and handshake timeout")
	verify := flag.Bool("verify", false, "verify the backend certificate against the server name")

	flag.Parse()

	if *sni == "" {
		fmt.Fprintln(os.Stderr, "-sni is required")
		os.Exit(2)
	}

	dialer := &net.Dialer{Timeout: *timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", *proxyAddr, &tls.Config{
		ServerName:         *sni,
		InsecureSkipVerify: !*verify,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "handshake for %s via %s failed: %v\n", *sni, *proxyAddr, err)
		os.Exit(1)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	fmt.Printf("sni: %s\nversion: %s\ncipher: %s\n", *sni, tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite))
	for i, cert := range state.PeerCertificates {
		fmt.Printf("cert[%d]: subject=%q dns=%v\n", i, cert.Subject.String(), cert.DNSNames)
	}
}
