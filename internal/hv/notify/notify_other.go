//go:build !linux

package notify

import "errors"

var errNoEventFD = errors.New("eventfd unsupported on this platform")

func newEventFD() (int, error) { return -1, errNoEventFD }
func eventFDSignal(int) error { return errNoEventFD }
func eventFDConsume(int) bool { return false }
func eventFDClose(int) error { return nil }
