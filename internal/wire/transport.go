package wire

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/oriys/quasar/internal/pkg/vsock"
)

// Address schemes understood by Listen and Dial. An address without a
// scheme is TCP.
const (
	SchemeTCP   = "tcp"
	SchemeVsock = "vsock"
)

// Address is a parsed transport address.
type Address struct {
	Scheme string
	Host   string // TCP host:port
	CID    uint32 // vsock context id, dial only
	Port   uint32 // vsock port
}

func (a Address) String() string {
	if a.Scheme == SchemeVsock {
		return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port)
	}
	return "tcp://" + a.Host
}

// ParseAddress parses "tcp://host:port", "host:port", "vsock://port" or
// "vsock://cid:port".
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		scheme, rest = SchemeTCP, s
	}
	switch scheme {
	case SchemeTCP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Address{}, fmt.Errorf("tcp address %q: %w", s, err)
		}
		return Address{Scheme: SchemeTCP, Host: rest}, nil
	case SchemeVsock:
		addr := Address{Scheme: SchemeVsock, CID: vsock.HostCID}
		portStr := rest
		if cidStr, p, ok := strings.Cut(rest, ":"); ok {
			portStr = p
			if cidStr != "" {
				cid, err := strconv.ParseUint(cidStr, 10, 32)
				if err != nil {
					return Address{}, fmt.Errorf("vsock cid %q: %w", cidStr, err)
				}
				addr.CID = uint32(cid)
			}
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("vsock port %q: %w", portStr, err)
		}
		addr.Port = uint32(port)
		return addr, nil
	default:
		return Address{}, fmt.Errorf("unsupported scheme %q in %q", scheme, s)
	}
}

// Listen opens a listener for addr.
func Listen(addr string) (net.Listener, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	if a.Scheme == SchemeVsock {
		return vsock.Listen(a.Port)
	}
	return net.Listen("tcp", a.Host)
}

// Dial connects to addr and wraps the connection in a Stream.
func Dial(ctx context.Context, addr string, codec Codec) (*Stream, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	var conn net.Conn
	if a.Scheme == SchemeVsock {
		conn, err = vsock.Dial(a.CID, a.Port)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", a.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a, err)
	}
	return NewStream(conn, codec), nil
}
