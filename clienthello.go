package sniproxy

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

const (
	// RecordHeaderLen is the size of a TLS record header:
	// [content_type:1][version:2][length:2]
	RecordHeaderLen = 5

	// DefaultMaxHandshakeSize bounds the record length we are willing to peek.
	DefaultMaxHandshakeSize = 2048

	// from RFC 8446
	typeHandshakeMsgClientHello = 1
	typeExtensionServerName     = 0

	// from RFC 6066
	typeServerNameHostName = 0

	maxHostNameLen = 253
	maxLabelLen    = 63
)

type ContentType uint8

const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeChangeCipherSpec:
		return "ChangeCipherSpec"
	case ContentTypeAlert:
		return "Alert"
	case ContentTypeHandshake:
		return "Handshake"
	case ContentTypeApplicationData:
		return "ApplicationData"
	}
	return fmt.Sprintf("Unknown(0x%02x)", uint8(c))
}

type ProtocolVersion struct {
	Major, Minor uint8
}

func (v ProtocolVersion) String() string {
	if v.Major == 3 {
		switch v.Minor {
		case 0:
			return "SSLv3"
		case 1, 2, 3, 4:
			return fmt.Sprintf("TLSv1.%d", v.Minor-1)
		}
	}
	return fmt.Sprintf("Unknown(0x%02x%02x)", v.Major, v.Minor)
}

type RecordHeader struct {
	ContentType ContentType
	Version     ProtocolVersion
	Length      uint16
}

// ParseRecordHeader decodes the first RecordHeaderLen bytes of b and checks
// that they announce a handshake no larger than maxHandshakeSize. The length
// check happens here so that callers never size a buffer from an unchecked
// length.
func ParseRecordHeader(b []byte, maxHandshakeSize int) (RecordHeader, error) {
	var hdr RecordHeader
	s := cryptobyte.String(b)

	var contentType uint8
	if !s.ReadUint8(&contentType) ||
		!s.ReadUint8(&hdr.Version.Major) ||
		!s.ReadUint8(&hdr.Version.Minor) ||
		!s.ReadUint16(&hdr.Length) {
		return hdr, newProxyError(ShortPeek, "record header needs %d bytes, got %d", RecordHeaderLen, len(b))
	}
	hdr.ContentType = ContentType(contentType)

	if hdr.ContentType != ContentTypeHandshake {
		return hdr, newProxyError(NotAHandshake, "record content type is %v", hdr.ContentType)
	}
	if int(hdr.Length) > maxHandshakeSize {
		return hdr, newProxyError(HandshakeTooLarge, "handshake size is %d > %d", hdr.Length, maxHandshakeSize)
	}
	return hdr, nil
}

type HandshakeType uint8

const HandshakeTypeClientHello HandshakeType = typeHandshakeMsgClientHello

type HandshakeMessage struct {
	Type HandshakeType
	// Length is the 24-bit length declared in the handshake header.
	Length uint32
	// RecordVersion is the protocol version of the record that carried the
	// message.
	RecordVersion ProtocolVersion
	Payload       HandshakePayload
}

// HandshakePayload is either *ClientHello or *UnknownHandshake.
type HandshakePayload interface {
	handshakePayload()
}

type UnknownHandshake struct {
	Body []byte
}

// ClientHello holds the decoded fields of a ClientHello. Slices alias the
// buffer it was parsed from.
type ClientHello struct {
	Version            ProtocolVersion
	Random             []byte
	SessionID          []byte
	CipherSuites       []uint16
	CompressionMethods []uint8
	Extensions         []Extension
}

type Extension struct {
	Type uint16
	Data []byte
}

func (*UnknownHandshake) handshakePayload() {}
func (*ClientHello) handshakePayload()      {}

// ParseHandshake decodes the handshake message at the front of a record
// fragment. Messages other than ClientHello come back with an
// *UnknownHandshake payload.
func ParseHandshake(fragment []byte, version ProtocolVersion) (*HandshakeMessage, error) {
	s := cryptobyte.String(fragment)
	msg := &HandshakeMessage{RecordVersion: version}

	var typ uint8
	if !s.ReadUint8(&typ) || !s.ReadUint24(&msg.Length) {
		return nil, newProxyError(NotClientHello, "handshake header truncated (%d bytes)", len(fragment))
	}
	msg.Type = HandshakeType(typ)

	if msg.Length > uint32(len(s)) {
		// ClientHello split across records, or a lying length. Either way we
		// cannot see the whole message.
		return nil, newProxyError(NotClientHello, "handshake length %d exceeds record (%d bytes left)", msg.Length, len(s))
	}
	var body []byte
	if !s.ReadBytes(&body, int(msg.Length)) {
		return nil, newProxyError(NotClientHello, "handshake body truncated")
	}

	switch msg.Type {
	case HandshakeTypeClientHello:
		ch, err := parseClientHello(cryptobyte.String(body))
		if err != nil {
			return nil, err
		}
		msg.Payload = ch
	default:
		msg.Payload = &UnknownHandshake{Body: body}
	}
	return msg, nil
}

// ClientHello from RFC 8446:
//
//	struct {
//	    ProtocolVersion legacy_version = 0x0303;    /* TLS v1.2 */
//	    Random random;
//	    opaque legacy_session_id<0..32>;
//	    CipherSuite cipher_suites<2..2^16-2>;
//	    opaque legacy_compression_methods<1..2^8-1>;
//	    Extension extensions<8..2^16-1>;
//	} ClientHello;
//
// Extensions are optional for hellos older than TLS 1.2.
func parseClientHello(body cryptobyte.String) (*ClientHello, error) {
	ch := &ClientHello{}

	if !body.ReadUint8(&ch.Version.Major) || !body.ReadUint8(&ch.Version.Minor) {
		return nil, newProxyError(NotClientHello, "failed to read legacy_version")
	}
	if !body.ReadBytes(&ch.Random, 32) {
		return nil, newProxyError(NotClientHello, "failed to read random")
	}

	var sessionID cryptobyte.String
	if !body.ReadUint8LengthPrefixed(&sessionID) {
		return nil, newProxyError(NotClientHello, "failed to read legacy_session_id")
	}
	if len(sessionID) > 32 {
		return nil, newProxyError(NotClientHello, "legacy_session_id too long (%d bytes)", len(sessionID))
	}
	ch.SessionID = sessionID

	var suites cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&suites) {
		return nil, newProxyError(NotClientHello, "failed to read cipher_suites")
	}
	if len(suites) < 2 || len(suites)%2 != 0 {
		return nil, newProxyError(NotClientHello, "cipher_suites has invalid length %d", len(suites))
	}
	ch.CipherSuites = make([]uint16, 0, len(suites)/2)
	for !suites.Empty() {
		var suite uint16
		suites.ReadUint16(&suite)
		ch.CipherSuites = append(ch.CipherSuites, suite)
	}

	var compression cryptobyte.String
	if !body.ReadUint8LengthPrefixed(&compression) || compression.Empty() {
		return nil, newProxyError(NotClientHello, "failed to read legacy_compression_methods")
	}
	ch.CompressionMethods = compression

	if body.Empty() {
		return ch, nil
	}

	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return nil, newProxyError(NotClientHello, "failed to read extensions")
	}
	if !body.Empty() {
		return nil, newProxyError(NotClientHello, "%d bytes of trailing garbage in ClientHello", len(body))
	}

	for !extensions.Empty() {
		var ext Extension
		var data cryptobyte.String
		if !extensions.ReadUint16(&ext.Type) {
			return nil, newProxyError(NotClientHello, "failed to read extension type")
		}
		if !extensions.ReadUint16LengthPrefixed(&data) {
			return nil, newProxyError(NotClientHello, "failed to read data for extension type %d", ext.Type)
		}
		ext.Data = data
		ch.Extensions = append(ch.Extensions, ext)
	}
	return ch, nil
}

// Extension returns the first extension of the given type.
func (ch *ClientHello) Extension(typ uint16) (Extension, bool) {
	for _, ext := range ch.Extensions {
		if ext.Type == typ {
			return ext, true
		}
	}
	return Extension{}, false
}

// ServerName is either HostName or UnknownServerName.
type ServerName interface {
	serverName()
}

type HostName string

// UnknownServerName is an entry whose name_type we cannot interpret. Its
// length framing is type specific, so Data runs to the end of the list.
type UnknownServerName struct {
	NameType uint8
	Data     []byte
}

func (HostName) serverName()          {}
func (UnknownServerName) serverName() {}

// ServerNames decodes the server_name extension (RFC 6066, section 3).
func (ch *ClientHello) ServerNames() ([]ServerName, error) {
	ext, ok := ch.Extension(typeExtensionServerName)
	if !ok {
		return nil, newProxyError(MissingSNI, "no server_name extension")
	}

	data := cryptobyte.String(ext.Data)
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) || !data.Empty() {
		return nil, newProxyError(MissingSNI, "failed to read server name list")
	}
	if list.Empty() {
		return nil, newProxyError(MissingSNI, "server name list is empty")
	}

	var names []ServerName
	for !list.Empty() {
		var nameType uint8
		list.ReadUint8(&nameType)
		if nameType != typeServerNameHostName {
			names = append(names, UnknownServerName{NameType: nameType, Data: list})
			break
		}
		var name cryptobyte.String
		if !list.ReadUint16LengthPrefixed(&name) {
			return nil, newProxyError(MissingSNI, "failed to read host name")
		}
		names = append(names, HostName(name))
	}
	return names, nil
}

// ServerName returns the host name in the first server_name entry.
func (ch *ClientHello) ServerName() (string, error) {
	names, err := ch.ServerNames()
	if err != nil {
		return "", err
	}

	switch name := names[0].(type) {
	case HostName:
		host := string(name)
		if !validHostName(host) {
			return "", newProxyError(UnsupportedSNIType, "server name %q is not a valid host name", host)
		}
		return host, nil
	case UnknownServerName:
		return "", newProxyError(UnsupportedSNIType, "unknown server name type %d", name.NameType)
	default:
		return "", newProxyError(UnsupportedSNIType, "unexpected server name %T", name)
	}
}

// ServerNameFromRecord decodes a complete handshake record (header included)
// down to the requested host name.
func ServerNameFromRecord(record []byte, maxHandshakeSize int) (string, error) {
	hdr, err := ParseRecordHeader(record, maxHandshakeSize)
	if err != nil {
		return "", err
	}
	fragment := record[RecordHeaderLen:]
	if len(fragment) < int(hdr.Length) {
		return "", newProxyError(ShortPeek, "record needs %d bytes, got %d", hdr.Length, len(fragment))
	}
	return serverNameFromFragment(fragment[:hdr.Length], hdr.Version)
}

func serverNameFromFragment(fragment []byte, version ProtocolVersion) (string, error) {
	msg, err := ParseHandshake(fragment, version)
	if err != nil {
		return "", err
	}
	ch, ok := msg.Payload.(*ClientHello)
	if !ok {
		return "", newProxyError(NotClientHello, "handshake type is %d", msg.Type)
	}
	return ch.ServerName()
}

// validHostName reports whether s is a DNS host name we are willing to look
// up. RFC 6066 forbids IP literals and trailing dots in SNI. Underscores are
// allowed for service labels such as _dmarc.
func validHostName(s string) bool {
	if len(s) == 0 || len(s) > maxHostNameLen {
		return false
	}
	if strings.HasSuffix(s, ".") || net.ParseIP(s) != nil {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > maxLabelLen {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}
