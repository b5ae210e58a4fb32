//go:build !unix

package sockopt

import "errors"

var errUnsupported = errors.New("socket buffer tuning not supported on this platform")

func setBuffers(fd uintptr, size int) error {
	return nil
}

func Buffers(fd uintptr) (rcv, snd int, err error) {
	return 0, 0, errUnsupported
}
