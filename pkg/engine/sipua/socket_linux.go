//go:build linux

package sipua

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// setQoS marks RTP packets with a DSCP class and a socket priority
func setQoS(conn net.PacketConn, dscp, priority int) error {
	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return nil
	}
	raw, err := udp.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if dscp > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, dscp<<2); err != nil {
				sockErr = fmt.Errorf("IP_TOS: %w", err)
				return
			}
		}
		if priority > 0 {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, priority); err != nil {
				sockErr = fmt.Errorf("SO_PRIORITY: %w", err)
			}
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
