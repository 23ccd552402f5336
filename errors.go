package sniproxy

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a single connection was dropped. None of these
// are fatal to the process.
type ErrorKind int

const (
	ShortPeek ErrorKind = iota + 1
	NotAHandshake
	HandshakeTooLarge
	NotClientHello
	MissingSNI
	UnsupportedSNIType
	ResolutionFailed
	ConnectFailed
	RelayFailed
	AccessDenied
)

func (k ErrorKind) String() string {
	switch k {
	case ShortPeek:
		return "ShortPeek"
	case NotAHandshake:
		return "NotAHandshake"
	case HandshakeTooLarge:
		return "HandshakeTooLarge"
	case NotClientHello:
		return "NotClientHello"
	case MissingSNI:
		return "MissingSNI"
	case UnsupportedSNIType:
		return "UnsupportedSNIType"
	case ResolutionFailed:
		return "ResolutionFailed"
	case ConnectFailed:
		return "ConnectFailed"
	case RelayFailed:
		return "RelayFailed"
	case AccessDenied:
		return "AccessDenied"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Sentinels for errors.Is. A *ProxyError matches the sentinel of its Kind.
var (
	ErrShortPeek          = &ProxyError{Kind: ShortPeek}
	ErrNotAHandshake      = &ProxyError{Kind: NotAHandshake}
	ErrHandshakeTooLarge  = &ProxyError{Kind: HandshakeTooLarge}
	ErrNotClientHello     = &ProxyError{Kind: NotClientHello}
	ErrMissingSNI         = &ProxyError{Kind: MissingSNI}
	ErrUnsupportedSNIType = &ProxyError{Kind: UnsupportedSNIType}
	ErrResolutionFailed   = &ProxyError{Kind: ResolutionFailed}
	ErrConnectFailed      = &ProxyError{Kind: ConnectFailed}
	ErrRelayFailed        = &ProxyError{Kind: RelayFailed}
	ErrAccessDenied       = &ProxyError{Kind: AccessDenied}
)

// ProxyError is the failure of one pipeline stage for one connection.
type ProxyError struct {
	Kind ErrorKind
	// Stage is the lifecycle state the session was in when it failed. The
	// supervisor fills it in; decoders leave it zero.
	Stage State
	Err   error
}

func newProxyError(kind ErrorKind, format string, args ...interface{}) *ProxyError {
	return &ProxyError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func wrapProxyError(kind ErrorKind, err error) *ProxyError {
	return &ProxyError{Kind: kind, Err: err}
}

func (e *ProxyError) Error() string {
	msg := e.Kind.String()
	if e.Stage != 0 {
		msg = fmt.Sprintf("%s while %s", msg, e.Stage)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}

func (e *ProxyError) Is(target error) bool {
	t, ok := target.(*ProxyError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil && t.Stage == 0
}

// KindOf returns the kind of err, or 0 if err is not a *ProxyError.
func KindOf(err error) ErrorKind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
