package util

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

const (
	ClientTimeoutForTests = 5 * time.Second

	recordTypeHandshake  = 22
	handshakeClientHello = 1
	extensionServerName  = 0
	extensionALPN        = 16
)

// HelloOptions controls how BuildClientHello frames the record. Zero values
// give a well formed TLS 1.2 ClientHello.
type HelloOptions struct {
	ServerName     string
	NameType       uint8
	OmitSNI        bool
	OmitExtensions bool

	ContentType       uint8 // 0 means handshake
	HandshakeType     uint8 // 0 means ClientHello
	RecordLength      int   // >0 overrides the record header length
	HandshakeLength   int   // >0 overrides the handshake header length
	ExtraServerNames  []string
	TrailingExtension bool // appends an ALPN extension after server_name
}

// BuildClientHello returns a complete TLS record carrying a ClientHello.
func BuildClientHello(opts HelloOptions) []byte {
	body := cryptobyte.NewBuilder(nil)
	body.AddUint16(tls.VersionTLS12)
	body.AddBytes(make([]byte, 32)) // random
	body.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte{1, 2, 3, 4})
	})
	body.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256)
		b.AddUint16(tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256)
	})
	body.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0) // null compression
	})
	if !opts.OmitExtensions {
		body.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			if !opts.OmitSNI {
				b.AddUint16(extensionServerName)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						names := append([]string{opts.ServerName}, opts.ExtraServerNames...)
						for _, name := range names {
							b.AddUint8(opts.NameType)
							b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
								b.AddBytes([]byte(name))
							})
						}
					})
				})
			}
			if opts.TrailingExtension || opts.OmitSNI {
				b.AddUint16(extensionALPN)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes([]byte("h2"))
						})
					})
				})
			}
		})
	}
	helloBody := body.BytesOrPanic()

	hsType := opts.HandshakeType
	if hsType == 0 {
		hsType = handshakeClientHello
	}
	hsLen := len(helloBody)
	if opts.HandshakeLength > 0 {
		hsLen = opts.HandshakeLength
	}
	handshake := []byte{hsType, byte(hsLen >> 16), byte(hsLen >> 8), byte(hsLen)}
	handshake = append(handshake, helloBody...)

	contentType := opts.ContentType
	if contentType == 0 {
		contentType = recordTypeHandshake
	}
	recLen := len(handshake)
	if opts.RecordLength > 0 {
		recLen = opts.RecordLength
	}
	record := []byte{contentType, 3, 1, byte(recLen >> 8), byte(recLen)}
	return append(record, handshake...)
}

// CaptureClientHello runs a crypto/tls client against an in-memory pipe and
// returns the first record it writes.
func CaptureClientHello(serverName string) ([]byte, error) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		conn := tls.Client(client, &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
		conn.Handshake()
		client.Close()
	}()

	server.SetReadDeadline(time.Now().Add(ClientTimeoutForTests))
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(server, hdr); err != nil {
		return nil, err
	}
	rest := make([]byte, int(hdr[3])<<8|int(hdr[4]))
	if _, err := io.ReadFull(server, rest); err != nil {
		return nil, err
	}
	return append(hdr, rest...), nil
}

// Backend is a TCP server that records everything it receives and answers
// each connection with Reply, or echoes it back when Reply is nil.
type Backend struct {
	Listener net.Listener
	Reply    []byte

	mu       sync.Mutex
	received [][]byte
	wg       sync.WaitGroup
}

// StartBackend listens on an ephemeral loopback port. Each connection reads
// until the client half-closes, writes reply and closes.
func StartBackend(reply []byte) (*Backend, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &Backend{Listener: ln, Reply: reply}
	go b.serve()
	return b, nil
}

func (b *Backend) serve() {
	for {
		conn, err := b.Listener.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer conn.Close()
			data, _ := io.ReadAll(conn)
			b.mu.Lock()
			b.received = append(b.received, data)
			b.mu.Unlock()
			if b.Reply == nil {
				conn.Write(data)
			} else {
				conn.Write(b.Reply)
			}
		}()
	}
}

func (b *Backend) Addr() string {
	return b.Listener.Addr().String()
}

// Received returns what each finished connection sent, in completion order.
func (b *Backend) Received() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.received))
	copy(out, b.received)
	return out
}

func (b *Backend) Close() {
	b.Listener.Close()
	b.wg.Wait()
}
