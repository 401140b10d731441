package sockbridge

import (
	"context"
	"net"
)

// Dial connects to the worker's Unix socket. It must only be called after the
// worker has acknowledged readiness.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}
	return conn, nil
}
