// Package sockopt tunes sockets before they are bound or connected, so the
// kernel can size the TCP window from the start of the stream.
package sockopt

import "syscall"

// Control returns a net.ListenConfig / net.Dialer control hook that sets the
// socket receive and send buffers to size bytes. A size of 0 keeps the OS
// default and returns nil.
func Control(size int) func(network, address string, c syscall.RawConn) error {
	if size <= 0 {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = setBuffers(fd, size)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
