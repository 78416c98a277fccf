//go:build linux

package notify

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

func newEventFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func eventFDSignal(fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func eventFDConsume(fd int) bool {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err == nil
	}
}

func eventFDClose(fd int) error {
	return unix.Close(fd)
}
