// Package dialer provides the outbound connections used by the SOCKS5 server.
//
// Dialers implement a small interface (DialContext) and reach destinations
// either directly or chained through an upstream SOCKS5 proxy.
package dialer
