// Package vsock opens AF_VSOCK connections between the host and nodes
// running inside micro-VMs.
package vsock

import (
	"net"

	"github.com/mdlayher/vsock"
)

// HostCID is the context id of the host as seen from a guest.
const HostCID = vsock.Host

// Listen creates a vsock listener on port.
func Listen(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}

// Dial connects to port on the vsock context cid.
func Dial(cid, port uint32) (net.Conn, error) {
	return vsock.Dial(cid, port, nil)
}
