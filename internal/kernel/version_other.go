//go:build !linux

package kernel

import "syscall"

// Current is only meaningful on Linux.
func Current() (Version, error) {
	return Version{}, syscall.ENOSYS
}
