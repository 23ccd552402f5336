package sniproxy

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/mongodb/sniproxy/util"
	"github.com/stretchr/testify/assert"
)

func TestServerNameFromRecord(t *testing.T) {
	testCases := []struct {
		name         string
		record       []byte
		maxSize      int
		expectedName string
		expectedKind ErrorKind
	}{
		{
			"host name",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com"}),
			DefaultMaxHandshakeSize,
			"example.com",
			0,
		},
		{
			"first of several names",
			util.BuildClientHello(util.HelloOptions{ServerName: "a.example.com", ExtraServerNames: []string{"b.example.com"}}),
			DefaultMaxHandshakeSize,
			"a.example.com",
			0,
		},
		{
			"extension after server_name",
			util.BuildClientHello(util.HelloOptions{ServerName: "db.internal", TrailingExtension: true}),
			DefaultMaxHandshakeSize,
			"db.internal",
			0,
		},
		{
			"underscore label",
			util.BuildClientHello(util.HelloOptions{ServerName: "_srv.example.com"}),
			DefaultMaxHandshakeSize,
			"_srv.example.com",
			0,
		},
		{
			"application data",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com", ContentType: 0x17}),
			DefaultMaxHandshakeSize,
			"",
			NotAHandshake,
		},
		{
			"alert",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com", ContentType: 0x15}),
			DefaultMaxHandshakeSize,
			"",
			NotAHandshake,
		},
		{
			"record over limit",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com"}),
			16,
			"",
			HandshakeTooLarge,
		},
		{
			"server hello",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com", HandshakeType: 2}),
			DefaultMaxHandshakeSize,
			"",
			NotClientHello,
		},
		{
			"handshake longer than record",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com", HandshakeLength: 1000}),
			DefaultMaxHandshakeSize,
			"",
			NotClientHello,
		},
		{
			"no extensions",
			util.BuildClientHello(util.HelloOptions{OmitExtensions: true}),
			DefaultMaxHandshakeSize,
			"",
			MissingSNI,
		},
		{
			"no server_name extension",
			util.BuildClientHello(util.HelloOptions{OmitSNI: true}),
			DefaultMaxHandshakeSize,
			"",
			MissingSNI,
		},
		{
			"unknown name type",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com", NameType: 1}),
			DefaultMaxHandshakeSize,
			"",
			UnsupportedSNIType,
		},
		{
			"ip literal",
			util.BuildClientHello(util.HelloOptions{ServerName: "192.0.2.1"}),
			DefaultMaxHandshakeSize,
			"",
			UnsupportedSNIType,
		},
		{
			"trailing dot",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com."}),
			DefaultMaxHandshakeSize,
			"",
			UnsupportedSNIType,
		},
		{
			"empty label",
			util.BuildClientHello(util.HelloOptions{ServerName: "a..example.com"}),
			DefaultMaxHandshakeSize,
			"",
			UnsupportedSNIType,
		},
		{
			"leading hyphen",
			util.BuildClientHello(util.HelloOptions{ServerName: "-a.example.com"}),
			DefaultMaxHandshakeSize,
			"",
			UnsupportedSNIType,
		},
		{
			"empty name",
			util.BuildClientHello(util.HelloOptions{ServerName: ""}),
			DefaultMaxHandshakeSize,
			"",
			UnsupportedSNIType,
		},
		{
			"header only",
			util.BuildClientHello(util.HelloOptions{ServerName: "example.com"})[:RecordHeaderLen],
			DefaultMaxHandshakeSize,
			"",
			ShortPeek,
		},
		{
			"nothing",
			nil,
			DefaultMaxHandshakeSize,
			"",
			ShortPeek,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			name, err := ServerNameFromRecord(tc.record, tc.maxSize)
			if tc.expectedKind == 0 {
				if err != nil {
					t.Fatalf("expected no error, but got %v", err)
				}
				if name != tc.expectedName {
					t.Fatalf("expected %q, but got %q", tc.expectedName, name)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected %v, but got name %q", tc.expectedKind, name)
			}
			if kind := KindOf(err); kind != tc.expectedKind {
				t.Fatalf("expected %v, but got %v (%v)", tc.expectedKind, kind, err)
			}
		})
	}
}

func TestParseRecordHeader(t *testing.T) {
	hdr, err := ParseRecordHeader([]byte{0x16, 0x03, 0x01, 0x08, 0x00}, DefaultMaxHandshakeSize)
	assert.NoError(t, err)
	assert.Equal(t, RecordHeader{ContentTypeHandshake, ProtocolVersion{3, 1}, 2048}, hdr)
	assert.Equal(t, "TLSv1.0", hdr.Version.String())

	_, err = ParseRecordHeader([]byte{0x16, 0x03, 0x01, 0x08, 0x01}, DefaultMaxHandshakeSize)
	assert.True(t, errors.Is(err, ErrHandshakeTooLarge), "2049 bytes: %v", err)

	_, err = ParseRecordHeader([]byte{0x16, 0x03, 0x03, 0xff, 0xff}, DefaultMaxHandshakeSize)
	assert.True(t, errors.Is(err, ErrHandshakeTooLarge), "65535 bytes: %v", err)

	_, err = ParseRecordHeader([]byte{0x16, 0x03, 0x03, 0xff, 0xff}, 0xffff)
	assert.NoError(t, err)

	_, err = ParseRecordHeader([]byte{0x17, 0x03, 0x03, 0x00, 0x10}, DefaultMaxHandshakeSize)
	assert.True(t, errors.Is(err, ErrNotAHandshake), "application data: %v", err)

	_, err = ParseRecordHeader([]byte{0x16, 0x03}, DefaultMaxHandshakeSize)
	assert.True(t, errors.Is(err, ErrShortPeek), "two bytes: %v", err)
}

func TestParseHandshakeFields(t *testing.T) {
	record := util.BuildClientHello(util.HelloOptions{ServerName: "example.com", TrailingExtension: true})
	msg, err := ParseHandshake(record[RecordHeaderLen:], ProtocolVersion{3, 1})
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	if msg.Type != HandshakeTypeClientHello {
		t.Fatalf("expected ClientHello, but got type %d", msg.Type)
	}
	if int(msg.Length) != len(record)-RecordHeaderLen-4 {
		t.Fatalf("expected length %d, but got %d", len(record)-RecordHeaderLen-4, msg.Length)
	}

	ch, ok := msg.Payload.(*ClientHello)
	if !ok {
		t.Fatalf("expected *ClientHello payload, but got %T", msg.Payload)
	}
	if diff := deep.Equal(ch.Version, ProtocolVersion{3, 3}); diff != nil {
		t.Fatal(diff)
	}
	if diff := deep.Equal(ch.SessionID, []byte{1, 2, 3, 4}); diff != nil {
		t.Fatal(diff)
	}
	if diff := deep.Equal(ch.CipherSuites, []uint16{0xc02f, 0xc02b}); diff != nil {
		t.Fatal(diff)
	}
	if diff := deep.Equal(ch.CompressionMethods, []uint8{0}); diff != nil {
		t.Fatal(diff)
	}
	if len(ch.Extensions) != 2 || ch.Extensions[0].Type != 0 || ch.Extensions[1].Type != 16 {
		t.Fatalf("expected server_name then ALPN, but got %+v", ch.Extensions)
	}

	names, err := ch.ServerNames()
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	if diff := deep.Equal(names, []ServerName{HostName("example.com")}); diff != nil {
		t.Fatal(diff)
	}
}

func TestParseHandshakeUnknownType(t *testing.T) {
	record := util.BuildClientHello(util.HelloOptions{ServerName: "example.com", HandshakeType: 2})
	msg, err := ParseHandshake(record[RecordHeaderLen:], ProtocolVersion{3, 3})
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	if _, ok := msg.Payload.(*UnknownHandshake); !ok {
		t.Fatalf("expected *UnknownHandshake payload, but got %T", msg.Payload)
	}
}

func TestServerNamesUnknownType(t *testing.T) {
	record := util.BuildClientHello(util.HelloOptions{ServerName: "opaque", NameType: 7})
	msg, err := ParseHandshake(record[RecordHeaderLen:], ProtocolVersion{3, 1})
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	names, err := msg.Payload.(*ClientHello).ServerNames()
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	// name_type 7 has no known framing; everything after it is opaque
	expected := []ServerName{UnknownServerName{NameType: 7, Data: []byte{0x00, 0x06, 'o', 'p', 'a', 'q', 'u', 'e'}}}
	if diff := deep.Equal(names, expected); diff != nil {
		t.Fatal(diff)
	}
}

func TestTruncatedRecordsFailCleanly(t *testing.T) {
	record := util.BuildClientHello(util.HelloOptions{ServerName: "example.com", TrailingExtension: true})

	for i := 0; i < len(record); i++ {
		_, err := ServerNameFromRecord(record[:i], DefaultMaxHandshakeSize)
		if !errors.Is(err, ErrShortPeek) {
			t.Fatalf("prefix of %d bytes: expected ShortPeek, but got %v", i, err)
		}
	}

	fragment := record[RecordHeaderLen:]
	for i := 0; i < len(fragment); i++ {
		_, err := serverNameFromFragment(fragment[:i], ProtocolVersion{3, 1})
		if !errors.Is(err, ErrNotClientHello) {
			t.Fatalf("fragment of %d bytes: expected NotClientHello, but got %v", i, err)
		}
	}
}

func TestGarbageNeverPanics(t *testing.T) {
	record := util.BuildClientHello(util.HelloOptions{ServerName: "example.com", TrailingExtension: true})

	for i := RecordHeaderLen; i < len(record); i++ {
		for _, b := range []byte{0x00, 0x01, 0x7f, 0xff} {
			mutated := append([]byte(nil), record...)
			mutated[i] = b
			_, err := ServerNameFromRecord(mutated, DefaultMaxHandshakeSize)
			if err != nil && KindOf(err) == 0 {
				t.Fatalf("byte %d = %#x: untyped error %v", i, b, err)
			}
		}
	}
}

func TestCryptoTLSClientHello(t *testing.T) {
	record, err := util.CaptureClientHello("backend.example.test")
	if err != nil {
		t.Fatalf("failed to capture ClientHello: %v", err)
	}
	name, err := ServerNameFromRecord(record, 0xffff)
	if err != nil {
		t.Fatalf("expected no error, but got %v", err)
	}
	if name != "backend.example.test" {
		t.Fatalf("expected backend.example.test, but got %q", name)
	}
}

func TestValidHostName(t *testing.T) {
	long := ""
	for i := 0; i < 64; i++ {
		long += "a"
	}
	valid := []string{"a", "example.com", "EXAMPLE.com", "a-b.c", "x1.y2.z3", "_dmarc.example.com", "srv_1.example.com", "_"}
	invalid := []string{"", ".", "a.", ".a", "a..b", "-a", "a-", "a b", "a/b", "a*b.com", "a+b.com", "::1", "10.0.0.1", long + ".com"}

	for _, s := range valid {
		assert.True(t, validHostName(s), s)
	}
	for _, s := range invalid {
		assert.False(t, validHostName(s), s)
	}
}
