package main

import (
	"crypto/sha512"
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
)

// Synthetic kernel image convention this simulator speaks: the first four
// bytes are the Darwin major version, little-endian, followed by whatever
// payload the fixture wants. There is no real Mach-O here; kcoresim exists
// to exercise the orchestration wiring, not to parse kernel binaries.
const versionStampLen = 4

// simKernelPrimitive reads a single on-disk fixture file as if it were the
// kernel primitive's raw read, padding it by the requested headroom.
type simKernelPrimitive struct {
	storage *osStorage
	path    string
}

func (p *simKernelPrimitive) Read(arch kernelio.Arch, headroom uint32) (kernelio.KernelReadResult, error) {
	raw, _, err := p.storage.ReadFile(p.path)
	if err != nil {
		return kernelio.KernelReadResult{}, err
	}
	buf := make([]byte, len(raw)+int(headroom))
	copy(buf, raw)
	digest := sha512.Sum384(raw)
	return kernelio.KernelReadResult{
		Is32Bit:      arch == kernelio.Arch32,
		Bytes:        buf,
		Size:         uint32(len(raw)),
		Allocated:    headroom,
		ReservedFull: uint32(len(raw)) + headroom,
		Digest:       digest[:],
	}, nil
}

// simMkextPrimitive reads a single on-disk fixture as the mkext archive.
type simMkextPrimitive struct {
	storage *osStorage
	path    string
}

func (p *simMkextPrimitive) Read(headroom uint32) ([]byte, uint32, error) {
	raw, _, err := p.storage.ReadFile(p.path)
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, len(raw)+int(headroom))
	copy(buf, raw)
	return buf, uint32(len(raw)), nil
}

// simVersionParser reads the synthetic version stamp described above.
type simVersionParser struct{}

func (simVersionParser) ParseOSVersion(kernel []byte) (uint32, error) {
	if len(kernel) < versionStampLen {
		return 0, kernelerr.New(kernelerr.InvalidCache, "kcoresim.ParseOSVersion", "")
	}
	return binary.LittleEndian.Uint32(kernel[:versionStampLen]), nil
}

// simArchPreferenceOracle always resolves to a fixed preference, set from
// the --arch flag; a real oracle would also consult SMBIOS/NVRAM.
type simArchPreferenceOracle struct {
	pref kernelio.Arch
}

func (o simArchPreferenceOracle) Preferred(uint32) kernelio.Arch { return o.pref }

// simSixtyFourOracle reports a fixed SMBIOS 64-bit capability.
type simSixtyFourOracle struct {
	supports bool
}

func (o simSixtyFourOracle) Supports64Bit() bool { return o.supports }

// simCPUIDEditor only logs the override it was asked to apply; there is no
// live CPU leaf to rewrite outside a running hypervisor.
type simCPUIDEditor struct {
	log *logrus.Entry
}

func (e simCPUIDEditor) ApplyCPUID1(info kernelio.CPUInfo, data, mask [16]byte) error {
	if e.log != nil {
		e.log.WithField("vendor", info.VendorID).Info("cpuid-1 override applied")
	}
	return nil
}

// simDigestSink logs the digest it was handed; a real implementation would
// forward it to a secure-boot verification policy.
type simDigestSink struct {
	log *logrus.Entry
}

func (s simDigestSink) SetKernelDigest(digest []byte) {
	if s.log != nil {
		s.log.WithField("bytes", len(digest)).Info("kernel digest captured")
	}
}

// simVFSHook tracks enable/disable calls for the report to surface; the
// real recursive virtual-FS wrapper lives below the firmware's own driver
// stack, far outside anything this harness can stand up.
type simVFSHook struct {
	log     *logrus.Entry
	enabled bool
}

func (h *simVFSHook) Enable() {
	h.enabled = true
	if h.log != nil {
		h.log.Info("virtual filesystem hook enabled")
	}
}

func (h *simVFSHook) Disable() {
	h.enabled = false
	if h.log != nil {
		h.log.Info("virtual filesystem hook disabled")
	}
}

// simSizeReserver estimates linked-container overhead with a fixed
// per-bundle segment/header allowance rather than a real Mach-O layout
// pass, since the destination container's segment commands do not exist
// until a real linker builds them.
type simSizeReserver struct {
	segmentOverhead uint32
}

func newSimSizeReserver() *simSizeReserver {
	return &simSizeReserver{segmentOverhead: 0x4000}
}

func (r *simSizeReserver) ReserveSize(infoSize, exeSize uint32) (uint32, uint32, error) {
	reservedInfo := infoSize
	reservedExe := exeSize
	if exeSize > 0 {
		reservedExe += r.segmentOverhead
	}
	return reservedInfo, reservedExe, nil
}

// linkedExpansion models the prelinked container's fixup-chain overhead on
// top of the reserved executable bytes: a flat one-twelfth (about 8%)
// allowance.
func linkedExpansion(reservedExe uint32) uint32 {
	return reservedExe / 12
}

// simPatcher mints handles over a plain buffer (kernel-mode patches).
// Blocking a bundle inside a prelinked image goes through the owning
// prelinkedSimContext.Block instead, since only it can locate a bundle
// within the serialized container.
type simPatcher struct{}

func (simPatcher) InitFromBuffer(buf []byte) (kernelio.PatcherHandle, error) {
	return &simHandle{buf: buf}, nil
}

// simHandle scopes ApplyGenericPatch to the buffer it was initialized from.
type simHandle struct {
	buf []byte
}

func (h *simHandle) ApplyGenericPatch(find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) (int, error) {
	return applyGenericPatch(h.buf, find, replace, findMask, replaceMask, count, skip, limit)
}
