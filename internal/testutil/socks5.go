package testutil

import (
	"context"
	"io"
	"net"

	"github.com/txthinking/socks5"
)

// ServeReferenceSOCKS5 answers one SOCKS5 CONNECT on c using an independent
// protocol implementation, then relays to the requested address. An empty
// user and pass selects no authentication. If onRequest is non-nil it sees
// the requested address before the outbound dial.
func ServeReferenceSOCKS5(ctx context.Context, c net.Conn, user, pass string, onRequest func(addr string)) error {
	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return err
	}

	if user == "" && pass == "" {
		if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
			return err
		}
	} else {
		if _, err := socks5.NewNegotiationReply(socks5.MethodUsernamePassword).WriteTo(c); err != nil {
			return err
		}

		urq, err := socks5.NewUserPassNegotiationRequestFrom(c)
		if err != nil {
			return err
		}
		if string(urq.Uname) != user || string(urq.Passwd) != pass {
			_, _ = socks5.NewUserPassNegotiationReply(socks5.UserPassStatusFailure).WriteTo(c)
			return nil
		}
		if _, err := socks5.NewUserPassNegotiationReply(socks5.UserPassStatusSuccess).WriteTo(c); err != nil {
			return err
		}
	}

	req, err := socks5.NewRequestFrom(c)
	if err != nil {
		return err
	}
	if req.Cmd != socks5.CmdConnect {
		_, _ = socks5.NewReply(socks5.RepCommandNotSupported, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}
	if onRequest != nil {
		onRequest(req.Address())
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_, _ = socks5.NewReply(socks5.RepHostUnreachable, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
		return nil
	}
	defer dst.Close()

	a, addr, port, err := socks5.ParseAddress(dst.LocalAddr().String())
	if err != nil {
		return err
	}
	if a == socks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}

// RefuseReferenceSOCKS5 completes a no-auth negotiation on c and answers the
// request with rep.
func RefuseReferenceSOCKS5(c net.Conn, rep byte) error {
	if _, err := socks5.NewNegotiationRequestFrom(c); err != nil {
		return err
	}
	if _, err := socks5.NewNegotiationReply(socks5.MethodNone).WriteTo(c); err != nil {
		return err
	}
	if _, err := socks5.NewRequestFrom(c); err != nil {
		return err
	}
	_, err := socks5.NewReply(rep, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00}).WriteTo(c)
	return err
}
