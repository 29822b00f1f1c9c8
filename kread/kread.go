// Package kread implements the kernel reader: read the kernel image at
// the session's current architecture preference, reject version
// regressions, and retry once on an architecture mismatch.
package kread

import (
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/session"
)

// Headroom computes the allocation padding a kernel read should request:
// reserved info and exe bytes, plus the prelinked container's fixup-chain
// overhead for the exe region ("linked expansion").
func Headroom(reservedInfo, reservedExe uint32, linkedExpansion func(reservedExe uint32) uint32) uint32 {
	expansion := uint32(0)
	if linkedExpansion != nil {
		expansion = linkedExpansion(reservedExe)
	}
	return reservedInfo + reservedExe + expansion
}

// Result is what Read hands back to the caller: the raw bytes plus the
// architecture actually returned.
type Result struct {
	Arch         kernelio.Arch
	Bytes        []byte
	Size         uint32
	Allocated    uint32
	ReservedFull uint32
	Digest       []byte
}

// Read reads the kernel at sess's current architecture preference,
// padded by headroom bytes, enforcing the monotonic-version invariant and
// the one-shot architecture retry.
func Read(sess *session.Session, primitive kernelio.KernelPrimitive, versions kernelio.VersionParser, oracle kernelio.ArchPreferenceOracle, sixtyFour kernelio.SixtyFourBitOracle, headroom uint32, digestSink kernelio.DigestSink) (Result, error) {
	pref, _ := sess.ArchPreference()
	res, err := primitive.Read(pref, headroom)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.PassthroughError, "kread.Read", "", err)
	}

	version, err := versions.ParseOSVersion(res.Bytes)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.PassthroughError, "kread.Read", "", err)
	}

	if version < sess.OSVersion() {
		// The buffer belongs to this call; releasing it here is the
		// "free the buffer and fail" step from the stale-cache path.
		return Result{}, kernelerr.New(kernelerr.InvalidCache, "kread.Read", "")
	}

	actual := kernelio.Arch32
	if !res.Is32Bit {
		actual = kernelio.Arch64
	}

	preVersion := sess.OSVersion()
	versionChanged := version != preVersion
	if err := sess.RecordOSVersion(version); err != nil {
		return Result{}, err
	}

	if actual != pref || versionChanged {
		preRetryPref, preRetryState := sess.ArchPreference()
		sess.PreferArch(pref)
		preferred := oracle.Preferred(version)
		if sixtyFour != nil && preferred == pref {
			if sixtyFour.Supports64Bit() {
				preferred = kernelio.Arch64
			}
		}
		if preferred != pref && sess.RetryArch(preferred) {
			res, err = primitive.Read(preferred, headroom)
			if err != nil {
				sess.RewindArch(preRetryPref, preRetryState)
				sess.RewindOSVersion(preVersion)
				return Result{}, kernelerr.Wrap(kernelerr.PassthroughError, "kread.Read", "", err)
			}
			actual = kernelio.Arch32
			if !res.Is32Bit {
				actual = kernelio.Arch64
			}
			if actual != preferred {
				sess.RewindArch(preRetryPref, preRetryState)
				sess.RewindOSVersion(preVersion)
				return Result{}, kernelerr.New(kernelerr.ArchUnavailable, "kread.Read", "")
			}
			pref = preferred
		}
	}

	if digestSink != nil && len(res.Digest) > 0 {
		sess.SetDigest(res.Digest, digestSink)
	}

	return Result{Arch: actual, Bytes: res.Bytes, Size: res.Size, Allocated: res.Allocated, ReservedFull: res.ReservedFull, Digest: res.Digest}, nil
}
