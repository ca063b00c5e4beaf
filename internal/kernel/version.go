// Package kernel reports the running kernel release.
package kernel

import (
	"fmt"
	"strings"
)

// Version is a parsed kernel release such as "6.1.0-18-amd64".
type Version struct {
	Major  int
	Minor  int
	Patch  int
	Flavor string
}

// Parse reads the leading major.minor[.patch] numbers of a release string.
// Anything after them is kept as the flavor.
func Parse(release string) (Version, error) {
	var (
		v       Version
		partial string
	)

	release = strings.TrimSpace(release)
	if n, _ := fmt.Sscanf(release, "%d.%d%s", &v.Major, &v.Minor, &partial); n < 2 {
		return Version{}, fmt.Errorf("cannot parse kernel version: %q", release)
	}
	if partial == "" {
		return v, nil
	}
	if n, _ := fmt.Sscanf(partial, ".%d%s", &v.Patch, &v.Flavor); n < 1 {
		v.Flavor = partial
	}
	return v, nil
}

// Compare returns -1, 0 or 1. Flavors are ignored.
func Compare(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return sign(a.Major - b.Major)
	case a.Minor != b.Minor:
		return sign(a.Minor - b.Minor)
	default:
		return sign(a.Patch - b.Patch)
	}
}

// AtLeast reports whether v is major.minor or newer.
func (v Version) AtLeast(major, minor int) bool {
	return Compare(v, Version{Major: major, Minor: minor}) >= 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Flavor)
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
