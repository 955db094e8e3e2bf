//go:build linux

package probe

import "golang.org/x/sys/unix"

func osThreadID() int {
	return unix.Gettid()
}
