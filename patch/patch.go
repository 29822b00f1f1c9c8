// Package patch applies version- and architecture-gated byte-pattern
// patches and named quirks, either to a kernel image buffer directly
// ("kernel mode") or inside a cache context belonging to one of the three
// pipelines ("extension mode").
package patch

import (
	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/metrics"
)

// Engine applies configured patches and quirks. It holds no buffer state
// of its own: kernel-mode calls take a PatcherHandle already initialized
// over the kernel buffer, extension-mode calls take the cache context.
type Engine struct {
	Log     *logrus.Entry
	Metrics *metrics.Registry
}

// New builds an Engine. m may be nil, in which case metrics are dropped.
func New(log *logrus.Entry, m *metrics.Registry) *Engine {
	return &Engine{Log: log, Metrics: m}
}

func (e *Engine) metrics() *metrics.Registry {
	if e.Metrics == nil {
		return metrics.NoOp()
	}
	return e.Metrics
}

// validate enforces the size-consistency invariants from the patch spec:
// Replace must be non-empty, Find must equal Replace in length when there
// is no symbolic Base, and either mask (when present) must equal Find in
// length.
func validate(p config.Patch) error {
	if len(p.Replace) == 0 {
		return kernelerr.New(kernelerr.BorkedPatch, "patch.validate", p.Target)
	}
	if p.Base == "" && len(p.Find) != len(p.Replace) {
		return kernelerr.New(kernelerr.BorkedPatch, "patch.validate", p.Target)
	}
	if len(p.Mask) != 0 && len(p.Mask) != len(p.Find) {
		return kernelerr.New(kernelerr.BorkedPatch, "patch.validate", p.Target)
	}
	if len(p.ReplaceMask) != 0 && len(p.ReplaceMask) != len(p.Find) {
		return kernelerr.New(kernelerr.BorkedPatch, "patch.validate", p.Target)
	}
	return nil
}

// archMatches reports whether the patch's configured Arch allows running
// under the detected architecture.
func archMatches(want config.Arch, actual kernelio.Arch) bool {
	switch want {
	case config.ArchAny, "":
		return true
	case config.ArchI386:
		return actual == kernelio.Arch32
	case config.ArchX8664:
		return actual == kernelio.Arch64
	default:
		return false
	}
}

// eligible reports whether patch p should be applied in the current mode
// (kernelMode selects Target=="Kernel", extension mode selects
// Target==identifier), at the detected version and architecture.
func eligible(p config.Patch, kernelMode bool, identifier string, detected uint32, actual kernelio.Arch) bool {
	if !p.Enabled {
		return false
	}
	if kernelMode != p.IsKernelTarget() {
		return false
	}
	if !kernelMode && p.Target != identifier {
		return false
	}
	if !VersionInRange(detected, p.MinKernel, p.MaxKernel) {
		return false
	}
	return archMatches(p.Arch, actual)
}

// ApplyKernel applies every configured kernel-targeted patch directly to
// the kernel buffer via handle. The CPUID-1 emulation override is not
// applied here; ApplyCPUIDOverride does that. Invalid patches are skipped
// with a warning and never retried, matching the engine's "skip, don't
// retry" contract.
func (e *Engine) ApplyKernel(cfg []config.Patch, detected uint32, actual kernelio.Arch, handle kernelio.PatcherHandle) {
	for _, p := range cfg {
		if !eligible(p, true, "", detected, actual) {
			continue
		}
		if err := validate(p); err != nil {
			e.warnSkip(p, err)
			continue
		}
		n, err := handle.ApplyGenericPatch(p.Find, p.Replace, p.Mask, p.ReplaceMask, p.Count, p.Skip, p.Limit)
		if err != nil {
			e.warnSkip(p, err)
			continue
		}
		e.metrics().PatchesApplied.Add(float64(n))
	}
}

// ApplyCPUIDOverride invokes the CPU-ID editor when any byte of the
// configured CPUID-1 replacement data is non-zero.
func (e *Engine) ApplyCPUIDOverride(emulate config.Emulate, cpuInfo kernelio.CPUInfo, editor kernelio.CPUIDEditor) error {
	if !emulate.HasCPUIDOverride() || editor == nil {
		return nil
	}
	if err := editor.ApplyCPUID1(cpuInfo, emulate.Cpuid1Data, emulate.Cpuid1Mask); err != nil {
		return kernelerr.Wrap(kernelerr.PassthroughError, "patch.ApplyCPUIDOverride", "", err)
	}
	return nil
}

// ApplyExtension applies every configured patch targeting identifier
// through the cache context's own AddPatch/ApplyPatches routine.
func (e *Engine) ApplyExtension(cfg []config.Patch, identifier string, detected uint32, actual kernelio.Arch, ctx kernelio.CacheContext) error {
	added := 0
	for _, p := range cfg {
		if !eligible(p, false, identifier, detected, actual) {
			continue
		}
		if err := validate(p); err != nil {
			e.warnSkip(p, err)
			continue
		}
		if err := ctx.AddPatch(p.Target, p.Find, p.Replace, p.Mask, p.ReplaceMask, p.Count, p.Skip, p.Limit); err != nil {
			e.warnSkip(p, err)
			continue
		}
		added++
	}
	if added == 0 {
		return nil
	}
	if err := ctx.ApplyPatches(); err != nil {
		return kernelerr.Wrap(kernelerr.PassthroughError, "patch.ApplyExtension", identifier, err)
	}
	e.metrics().PatchesApplied.Add(float64(added))
	return nil
}

func (e *Engine) warnSkip(p config.Patch, err error) {
	e.metrics().PatchesSkipped.Inc()
	if e.Log == nil {
		return
	}
	e.Log.WithFields(logrus.Fields{
		"target": p.Target,
		"cause":  err,
	}).Warn("patch skipped")
}
