// Package socks5 implements the SOCKS5 wire protocol (RFC 1928 and the
// RFC 1929 username/password sub-negotiation) used by socksrelay.
//
// It provides the address codec, the negotiable authentication methods, and
// two incremental handshake parsers: ServerParser consumes a client's
// greeting and request, ClientParser consumes a server's method selection and
// connect reply. Both accept bytes in arbitrary fragments and push any bytes
// that belong to the next protocol stage back into a Stream, so pipelined
// peers are handled correctly.
//
// Connection management, policy, and relaying live in internal/proxy and
// internal/client; this package has no goroutines of its own.
package socks5
