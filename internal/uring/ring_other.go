//go:build !linux

package uring

import "syscall"

func newPlatformRing(Config) (Ring, error) {
	return nil, syscall.ENOSYS
}
