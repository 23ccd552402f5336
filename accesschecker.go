package sniproxy

import (
	"net"
	"strings"
)

// AccessChecker can veto a connection before its ClientHello is read and
// again once the server name is known. A non-nil error drops the connection.
type AccessChecker interface {
	PreClientHelloCheck(remoteAddr net.Addr) error
	PostClientHelloCheck(serverName string, remoteAddr net.Addr) error
}

// HostRules allows a server name if it matches Allow (or Allow is empty) and
// does not match Deny. A rule matches the name itself and all its
// subdomains.
type HostRules struct {
	Allow []string
	Deny  []string
}

func (hr *HostRules) PreClientHelloCheck(remoteAddr net.Addr) error {
	return nil
}

func (hr *HostRules) PostClientHelloCheck(serverName string, remoteAddr net.Addr) error {
	for _, rule := range hr.Deny {
		if matchesDomain(serverName, rule) {
			return newProxyError(AccessDenied, "server name %q denied by rule %q", serverName, rule)
		}
	}
	if len(hr.Allow) == 0 {
		return nil
	}
	for _, rule := range hr.Allow {
		if matchesDomain(serverName, rule) {
			return nil
		}
	}
	return newProxyError(AccessDenied, "server name %q not in allow list", serverName)
}

func matchesDomain(host, domain string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
