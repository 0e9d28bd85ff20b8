package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays between left and right until either direction
// ends, then closes both. It returns the bytes copied left to right and
// right to left. Errors caused by the teardown itself are not reported.
func CopyBidirectional(ctx context.Context, left, right net.Conn) (sent, received int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	// If the context is canceled, close both sides to unblock the copies.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	g := errgroup.Group{}

	g.Go(func() error {
		defer closeBoth()
		var err error
		sent, err = copyBuffer(right, left)
		return err
	})

	g.Go(func() error {
		defer closeBoth()
		var err error
		received, err = copyBuffer(left, right)
		return err
	})

	err = g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}
	return sent, received, err
}

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	return io.CopyBuffer(dst, src, *buf)
}
