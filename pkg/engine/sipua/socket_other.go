//go:build !linux

package sipua

import "net"

// setQoS is a no-op outside linux
func setQoS(net.PacketConn, int, int) error {
	return nil
}
