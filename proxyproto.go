package sniproxy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// PROXY protocol signatures, see
// https://www.haproxy.org/download/2.0/doc/proxy-protocol.txt
var (
	proxyV1Signature = []byte("PROXY")
	proxyV2Signature = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}
)

const (
	proxyV1MaxLineLen = 107
	proxyV2HeaderLen  = 16
)

// ProxyProtoConn strips an optional PROXY protocol header from the front of
// a connection. When a header is present, RemoteAddr reports the original
// client and ProxyAddr the load balancer that relayed it.
type ProxyProtoConn struct {
	net.Conn
	rbuf *bufio.Reader

	version byte
	proxy   net.Addr
	remote  net.Addr
	target  net.Addr
}

// NewProxyProtoConn reads the header, if any. Connections without one are
// passed through untouched.
func NewProxyProtoConn(conn net.Conn) (*ProxyProtoConn, error) {
	c := &ProxyProtoConn{
		Conn:   conn,
		rbuf:   bufio.NewReader(conn),
		remote: conn.RemoteAddr(),
	}

	first, err := c.rbuf.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return c, nil
		}
		return nil, err
	}

	switch first[0] {
	case proxyV1Signature[0]:
		if sig, err := c.rbuf.Peek(len(proxyV1Signature)); err == nil && bytes.Equal(sig, proxyV1Signature) {
			return c, c.readV1()
		}
	case proxyV2Signature[0]:
		if sig, err := c.rbuf.Peek(len(proxyV2Signature)); err == nil && bytes.Equal(sig, proxyV2Signature) {
			return c, c.readV2()
		}
	}
	return c, nil
}

func (c *ProxyProtoConn) Read(p []byte) (int, error) {
	return c.rbuf.Read(p)
}

func (c *ProxyProtoConn) RemoteAddr() net.Addr {
	return c.remote
}

// IsProxied reports whether a header carrying addresses was read.
func (c *ProxyProtoConn) IsProxied() bool {
	return c.proxy != nil
}

func (c *ProxyProtoConn) ProxyAddr() net.Addr {
	return c.proxy
}

// TargetAddr is the address the client originally connected to.
func (c *ProxyProtoConn) TargetAddr() net.Addr {
	return c.target
}

func (c *ProxyProtoConn) Version() byte {
	return c.version
}

func (c *ProxyProtoConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (c *ProxyProtoConn) CloseRead() error {
	if cr, ok := c.Conn.(closeReader); ok {
		return cr.CloseRead()
	}
	return nil
}

// v1: "PROXY TCP4 <src> <dst> <srcport> <dstport>\r\n"
func (c *ProxyProtoConn) readV1() error {
	c.version = 1

	var line []byte
	for len(line) < proxyV1MaxLineLen {
		b, err := c.rbuf.ReadByte()
		if err != nil {
			return errors.New("invalid header")
		}
		line = append(line, b)
		if b == '\n' {
			break
		}
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return errors.New("invalid header")
	}

	parts := strings.Split(string(line[:len(line)-2]), " ")
	if len(parts) > 1 && parts[1] == "UNKNOWN" {
		return nil
	}
	if len(parts) != 6 {
		return errors.New("invalid header")
	}

	var toIP func(net.IP) net.IP
	switch parts[1] {
	case "TCP4":
		toIP = net.IP.To4
	case "TCP6":
		toIP = net.IP.To16
	default:
		return errors.New("invalid protocol and family")
	}

	srcIP, dstIP := toIP(net.ParseIP(parts[2])), toIP(net.ParseIP(parts[3]))
	if srcIP == nil || dstIP == nil {
		return errors.New("invalid ip address")
	}
	srcPort, err := parsePort(parts[4])
	if err != nil {
		return err
	}
	dstPort, err := parsePort(parts[5])
	if err != nil {
		return err
	}

	c.remote = &net.TCPAddr{IP: srcIP, Port: srcPort}
	c.target = &net.TCPAddr{IP: dstIP, Port: dstPort}
	c.proxy = c.Conn.RemoteAddr()
	return nil
}

func (c *ProxyProtoConn) readV2() error {
	header := make([]byte, proxyV2HeaderLen)
	if _, err := io.ReadFull(c.rbuf, header); err != nil {
		return fmt.Errorf("failed reading header: %w", err)
	}

	vac := versionAndCommand(header[12])
	if vac.Version() != 2 {
		return errors.New("invalid version")
	}
	if vac.Command() != cmdLocal && vac.Command() != cmdProxy {
		return errors.New("invalid command")
	}
	c.version = 2

	afp := addressFamilyAndProtocol(header[13])
	// The payload length is a u16, so this allocation is bounded.
	payload := make([]byte, binary.BigEndian.Uint16(header[14:16]))
	if _, err := io.ReadFull(c.rbuf, payload); err != nil {
		return fmt.Errorf("failed reading payload: %w", err)
	}

	if vac.Command() == cmdLocal {
		// health checks from the balancer itself; keep the socket addresses
		return nil
	}

	var srcIP, dstIP net.IP
	var srcPort, dstPort uint16
	switch afp.AddressFamily() {
	case familyInet:
		if len(payload) < 12 {
			return errors.New("invalid IPv4 payload")
		}
		srcIP = net.IPv4(payload[0], payload[1], payload[2], payload[3])
		dstIP = net.IPv4(payload[4], payload[5], payload[6], payload[7])
		srcPort = binary.BigEndian.Uint16(payload[8:10])
		dstPort = binary.BigEndian.Uint16(payload[10:12])
	case familyInet6:
		if len(payload) < 36 {
			return errors.New("invalid IPv6 payload")
		}
		srcIP = net.IP(payload[:16])
		dstIP = net.IP(payload[16:32])
		srcPort = binary.BigEndian.Uint16(payload[32:34])
		dstPort = binary.BigEndian.Uint16(payload[34:36])
	case familyUnix:
		return errors.New("unix sockets are not supported")
	case familyUnspec:
		return nil
	default:
		return errors.New("invalid address family")
	}

	switch afp.Protocol() {
	case protoStream:
		c.remote = &net.TCPAddr{IP: srcIP, Port: int(srcPort)}
		c.target = &net.TCPAddr{IP: dstIP, Port: int(dstPort)}
	case protoDatagram:
		c.remote = &net.UDPAddr{IP: srcIP, Port: int(srcPort)}
		c.target = &net.UDPAddr{IP: dstIP, Port: int(dstPort)}
	default:
		return errors.New("invalid protocol")
	}

	c.proxy = c.Conn.RemoteAddr()
	return nil
}

type addressFamilyAndProtocol byte

type addressFamily byte

type transportProtocol byte

const (
	familyUnspec addressFamily = iota
	familyInet
	familyInet6
	familyUnix
)

const (
	protoStream transportProtocol = iota + 1
	protoDatagram
)

func (ap addressFamilyAndProtocol) AddressFamily() addressFamily {
	return addressFamily(ap >> 4)
}

func (ap addressFamilyAndProtocol) Protocol() transportProtocol {
	return transportProtocol(ap & 0x0F)
}

type versionAndCommand byte

type proxyCommand byte

const (
	cmdLocal proxyCommand = iota
	cmdProxy
)

func (vac versionAndCommand) Version() byte {
	return byte(vac >> 4)
}

func (vac versionAndCommand) Command() proxyCommand {
	return proxyCommand(vac & 0x0F)
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 0 || port > 65535 {
		return 0, errors.New("invalid port number")
	}
	return port, nil
}
