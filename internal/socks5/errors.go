package socks5

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a failure in the SOCKS5 handshake or session setup.
type ErrorKind int

const (
	KindProtocolVersionMismatch ErrorKind = iota + 1
	KindEmptyMethodList
	KindNoAcceptableMethods
	KindUnsupportedCommand
	KindUnsupportedAddressType
	KindTruncatedInput
	KindMalformedCredentials
	KindAuthMethodMismatch
	KindAuthProtocolMismatch
	KindAuthenticationFailed
	KindPolicyDenied
	KindDestinationBlacklisted
	KindDNSResolutionFailed
	KindOutboundConnectFailed
	KindRequestFailed
)

var kindInfo = map[ErrorKind]struct {
	text  string
	reply Reply
}{
	KindProtocolVersionMismatch: {"protocol version mismatch", ReplyGeneralFailure},
	KindEmptyMethodList:         {"empty method list", ReplyGeneralFailure},
	KindNoAcceptableMethods:     {"no acceptable authentication method", ReplyGeneralFailure},
	KindUnsupportedCommand:      {"unsupported command", ReplyCommandNotSupported},
	KindUnsupportedAddressType:  {"unsupported address type", ReplyAddressTypeNotSupported},
	KindTruncatedInput:          {"truncated input", ReplyGeneralFailure},
	KindMalformedCredentials:    {"malformed credentials", ReplyGeneralFailure},
	KindAuthMethodMismatch:      {"authentication method mismatch", ReplyGeneralFailure},
	KindAuthProtocolMismatch:    {"authentication protocol mismatch", ReplyGeneralFailure},
	KindAuthenticationFailed:    {"authentication failed", ReplyGeneralFailure},
	KindPolicyDenied:            {"request denied by policy", ReplyNotAllowed},
	KindDestinationBlacklisted:  {"destination blacklisted", ReplyNotAllowed},
	KindDNSResolutionFailed:     {"dns resolution failed", ReplyHostUnreachable},
	KindOutboundConnectFailed:   {"outbound connect failed", ReplyGeneralFailure},
	KindRequestFailed:           {"request failed", ReplyGeneralFailure},
}

func (k ErrorKind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.text
	}
	return fmt.Sprintf("socks5 error %d", int(k))
}

// Error is the single error type returned by this package. Kind selects the
// taxonomy entry and Reply is the REP code a server sends for it.
//
// errors.Is matches any two *Error values with the same Kind, so callers
// compare against the Err* sentinels below.
type Error struct {
	Kind  ErrorKind
	Reply Reply
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	s := "socks5: " + e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrProtocolVersionMismatch = sentinel(KindProtocolVersionMismatch)
	ErrEmptyMethodList         = sentinel(KindEmptyMethodList)
	ErrNoAcceptableMethods     = sentinel(KindNoAcceptableMethods)
	ErrUnsupportedCommand      = sentinel(KindUnsupportedCommand)
	ErrUnsupportedAddressType  = sentinel(KindUnsupportedAddressType)
	ErrTruncatedInput          = sentinel(KindTruncatedInput)
	ErrMalformedCredentials    = sentinel(KindMalformedCredentials)
	ErrAuthMethodMismatch      = sentinel(KindAuthMethodMismatch)
	ErrAuthProtocolMismatch    = sentinel(KindAuthProtocolMismatch)
	ErrAuthenticationFailed    = sentinel(KindAuthenticationFailed)
	ErrPolicyDenied            = sentinel(KindPolicyDenied)
	ErrDestinationBlacklisted  = sentinel(KindDestinationBlacklisted)
	ErrDNSResolutionFailed     = sentinel(KindDNSResolutionFailed)
	ErrOutboundConnectFailed   = sentinel(KindOutboundConnectFailed)
	ErrRequestFailed           = sentinel(KindRequestFailed)
)

func sentinel(kind ErrorKind) *Error {
	return &Error{Kind: kind, Reply: kindInfo[kind].reply}
}

// NewError returns an *Error of the given kind wrapping err, with the kind's
// default reply code.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Reply: kindInfo[kind].reply, Err: err}
}

func newErrorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reply: kindInfo[kind].reply, Msg: fmt.Sprintf(format, args...)}
}

// OutboundConnectError reports a failed outbound connect mapped to rep.
func OutboundConnectError(rep Reply, err error) *Error {
	return &Error{Kind: KindOutboundConnectFailed, Reply: rep, Err: err}
}

// ReplyOf returns the reply code carried by err, if err wraps an *Error.
func ReplyOf(err error) (Reply, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Reply, true
	}
	return 0, false
}
