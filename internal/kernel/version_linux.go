//go:build linux

package kernel

import (
	"bytes"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	current     Version
	currentErr  error
	currentOnce sync.Once
)

// Current returns the running kernel version, read once via uname(2).
func Current() (Version, error) {
	currentOnce.Do(func() {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			currentErr = err
			return
		}
		release := uts.Release[:]
		if i := bytes.IndexByte(release, 0); i >= 0 {
			release = release[:i]
		}
		current, currentErr = Parse(string(release))
	})
	return current, currentErr
}
