package patch

import (
	"github.com/coreos/go-semver/semver"
)

// parseBound turns a configured MinKernel/MaxKernel string into a
// semver.Version, treating the unbounded sentinels as the widest possible
// range: an empty lower bound is 0.0.0, an empty upper bound is
// effectively infinite.
func parseBound(s string, upper bool) *semver.Version {
	if s == "" {
		if upper {
			return &semver.Version{Major: 1<<63 - 1}
		}
		return &semver.Version{}
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		// A malformed bound in a borrowed configuration is treated the
		// same as unbounded on that side rather than panicking this
		// single-threaded core over a config-layer mistake.
		if upper {
			return &semver.Version{Major: 1<<63 - 1}
		}
		return &semver.Version{}
	}
	return v
}

// VersionInRange reports whether detected (a packed Darwin version,
// rendered as a bare major component "<major>.0.0") falls within
// [minKernel, maxKernel], treating empty strings as ±∞.
func VersionInRange(detected uint32, minKernel, maxKernel string) bool {
	v := &semver.Version{Major: int64(detected)}
	lo := parseBound(minKernel, false)
	hi := parseBound(maxKernel, true)
	return !v.LessThan(*lo) && !hi.LessThan(*v)
}
