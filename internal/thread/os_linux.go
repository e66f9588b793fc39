//go:build linux

package thread

import "golang.org/x/sys/unix"

func osThreadID() int {
	return unix.Gettid()
}
