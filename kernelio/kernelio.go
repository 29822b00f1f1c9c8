// Package kernelio declares the external collaborators this core borrows
// but never implements: storage access, binary-format parsers, digest and
// pattern-matching primitives, platform probes, and the sinks the core
// hands its results to. Everything here is an interface; this package
// holds no concrete implementation, and the only ones in this module are
// the simulated stand-ins in cmd/kcoresim.
package kernelio

import (
	"io/fs"
	"time"

	"golang.org/x/sys/cpu"
)

// Arch is the architecture preference the kernel reader targets.
type Arch int

const (
	// Arch32 requests the 32-bit kernel slice.
	Arch32 Arch = iota
	// Arch64 requests the 64-bit kernel slice.
	Arch64
)

func (a Arch) String() string {
	if a == Arch64 {
		return "x86_64"
	}
	return "i386"
}

// CPUInfo is the session's CPU feature-flag snapshot, consumed by the
// CPU-ID editor collaborator. It is seeded from golang.org/x/sys/cpu at
// session construction time by the platform-arch probe.
type CPUInfo struct {
	VendorID       string
	Family         uint32
	Model          uint32
	Stepping       uint32
	HasAVX         bool
	HasAVX2        bool
	HasSSE42       bool
	HasRDRAND      bool
	Is64BitCapable bool
}

// DetectCPUInfo builds a CPUInfo from the running host's feature flags.
// The firmware phase runs on the target machine itself, so this reflects
// reality rather than a cross-compiled guess.
func DetectCPUInfo() CPUInfo {
	return CPUInfo{
		VendorID:       cpu.X86.Name,
		HasAVX:         cpu.X86.HasAVX,
		HasAVX2:        cpu.X86.HasAVX2,
		HasSSE42:       cpu.X86.HasSSE42,
		HasRDRAND:      cpu.X86.HasRDRAND,
		Is64BitCapable: true,
	}
}

// StorageReader reads a file by its path relative to the firmware-volume
// overlay. It is the "Storage handle" of the session's global state.
type StorageReader interface {
	ReadFile(path string) ([]byte, fs.FileInfo, error)
	Stat(path string) (fs.FileInfo, error)
	ReadDir(path string) ([]fs.DirEntry, error)
}

// KernelReadResult is what the "read kernel" primitive returns.
type KernelReadResult struct {
	Is32Bit      bool
	Bytes        []byte
	Size         uint32
	Allocated    uint32
	ReservedFull uint32
	Digest       []byte // SHA-384, only populated when secure boot is active
}

// KernelPrimitive reads the kernel image with an architecture preference,
// allocating Allocated bytes of headroom beyond Size.
type KernelPrimitive interface {
	Read(arch Arch, headroom uint32) (KernelReadResult, error)
}

// MkextPrimitive reads a multi-extension archive container.
type MkextPrimitive interface {
	Read(headroom uint32) ([]byte, uint32, error)
}

// VersionParser extracts the packed Darwin OS version from a kernel image.
type VersionParser interface {
	ParseOSVersion(kernel []byte) (uint32, error)
}

// Patcher is the byte-pattern patcher primitive, scoped to a plain buffer
// (the kernel image, or any other buffer a caller initializes it over).
// Blocking a bundle inside a prelinked image is the owning
// PrelinkedContext's own responsibility (see Block below), since only the
// context that built the image can locate a bundle within it.
type Patcher interface {
	InitFromBuffer(buf []byte) (PatcherHandle, error)
}

// PatcherHandle is a scoped patching context returned by Patcher.InitFromBuffer.
type PatcherHandle interface {
	ApplyGenericPatch(find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) (applied int, err error)
}

// SizeReserver predicts the per-bundle overhead a plist+executable pair
// will cost once linked into a given cache format — Mach-O segment and
// header bookkeeping — without requiring the destination container to
// exist yet. The planner consults one of these (chosen for whichever
// cache format is in play) ahead of the kernel read itself, so the read
// can request the right amount of headroom up front.
type SizeReserver interface {
	ReserveSize(infoSize, exeSize uint32) (reservedInfo, reservedExe uint32, err error)
}

// CacheContext is the common contract of the three cache-type contexts
// (Prelinked, Mkext, Cacheless): reserve size, add/apply patches and
// quirks, and inject a kext.
type CacheContext interface {
	ReserveSize(infoSize, exeSize uint32) (reservedInfo, reservedExe uint32, err error)
	AddPatch(target string, find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) error
	ApplyPatches() error
	AddQuirk(name string, enabled bool) error
	ApplyQuirks() error
	InjectKext(identifier, bundlePath string, plist, exe []byte, forceBuiltin bool) error
}

// PrelinkedContext additionally prepares/completes the injection pass and
// blocks named bundles outright.
type PrelinkedContext interface {
	CacheContext
	InjectPrepare(reservedExe uint32) error
	InjectComplete() error
	Block(identifier string) error
	// Finalize returns the finished kernel buffer (length is the final
	// kernel size) after every injection, patch, and block has been
	// applied. The caller takes ownership of the returned slice.
	Finalize() (kernel []byte, err error)
}

// MkextContext is the mkext-archive cache context: the common contract
// plus a finalize step that assembles the (optionally compressed) archive
// and reports its final size. There is no prepare/complete split and no
// block step: mkext has no prelink-expansion phase to bracket.
type MkextContext interface {
	CacheContext
	// Finalize returns the finished archive buffer after every injection,
	// patch, and quirk has been applied. The caller takes ownership.
	Finalize() (archive []byte, err error)
}

// CachelessContext additionally exposes the live directory overlay.
type CachelessContext interface {
	CacheContext
	OverlayDir(real fs.ReadDirFS) (fs.ReadDirFS, error)
	HookBuiltin(childPath string) ([]byte, bool, error)
	PerformInject(childPath string) ([]byte, time.Time, bool, error)
}

// ArchPreferenceOracle resolves which architecture the loader should prefer,
// command-line argument first, falling back to SMBIOS 64-bit capability.
type ArchPreferenceOracle interface {
	Preferred(osVersion uint32) Arch
}

// SixtyFourBitOracle reports whether SMBIOS claims 64-bit kernel support.
type SixtyFourBitOracle interface {
	Supports64Bit() bool
}

// CPUIDEditor rewrites the CPUID leaf-1 response the kernel observes.
type CPUIDEditor interface {
	ApplyCPUID1(info CPUInfo, data, mask [16]byte) error
}

// DigestSink receives the most recent kernel SHA-384 for secure-boot
// digest override, only ever called when secure boot is not disabled.
type DigestSink interface {
	SetKernelDigest(digest []byte)
}

// VirtualFSHook enables or disables the recursive virtual-FS interception
// wrapper described in the design notes.
type VirtualFSHook interface {
	Enable()
	Disable()
}
