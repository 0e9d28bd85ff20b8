// Package proxy implements the SOCKS5 server: connection admission, the
// session registry with its accept/deny policy hook, outbound connect with
// failure-to-reply mapping, and the bidirectional relay.
package proxy
