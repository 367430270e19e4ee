package fetch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

const (
	socks4Version    = 0x04
	socks4CmdConnect = 0x01
	socks4Granted    = 0x5a
)

// SOCKS4Dialer connects through a SOCKS4 proxy. Targets that are not IPv4
// literals use the SOCKS4a extension and are resolved by the proxy.
type SOCKS4Dialer struct {
	Addr    string
	UserID  string
	Forward proxy.ContextDialer
}

var _ proxy.ContextDialer = (*SOCKS4Dialer)(nil)

func (d *SOCKS4Dialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *SOCKS4Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks4: network %q not supported", network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("socks4: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("socks4: invalid port %q", portStr)
	}

	fwd := d.Forward
	if fwd == nil {
		fwd = &net.Dialer{}
	}
	conn, err := fwd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = socks4Handshake(conn, host, uint16(port), d.UserID)
	if !stop() {
		// ctx ended mid-handshake and the conn is already closed.
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func socks4Handshake(rw io.ReadWriter, host string, port uint16, userID string) error {
	req := make([]byte, 0, 9+len(userID)+len(host)+1)
	req = append(req, socks4Version, socks4CmdConnect)
	req = binary.BigEndian.AppendUint16(req, port)

	ip := net.ParseIP(host).To4()
	if ip != nil {
		req = append(req, ip...)
		req = append(req, userID...)
		req = append(req, 0)
	} else {
		// SOCKS4a: 0.0.0.x with x != 0 signals a trailing hostname.
		req = append(req, 0, 0, 0, 1)
		req = append(req, userID...)
		req = append(req, 0)
		req = append(req, host...)
		req = append(req, 0)
	}
	if _, err := rw.Write(req); err != nil {
		return fmt.Errorf("socks4: write request: %w", err)
	}

	var resp [8]byte
	if _, err := io.ReadFull(rw, resp[:]); err != nil {
		return fmt.Errorf("socks4: read reply: %w", err)
	}
	if resp[0] != 0x00 {
		return errors.New("socks4: malformed reply")
	}
	if resp[1] != socks4Granted {
		return fmt.Errorf("socks4: request rejected (code %#x)", resp[1])
	}
	return nil
}
