package patch

import (
	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
)

// quirk names the fixed enumeration of named toggles, tagging whether each
// one is a kernel-mode operation (applied through a PatcherHandle over the
// kernel buffer) or an extension-mode one (applied through a cache
// context's AddQuirk).
type quirk struct {
	name       string
	kernelMode bool
	enabled    func(config.Quirks) bool
}

var quirkTable = []quirk{
	{"AppleCpuPmCfgLock", false, func(q config.Quirks) bool { return q.AppleCPUPMCFGLock }},
	{"XhciPortLimit1", false, func(q config.Quirks) bool { return q.XHCIPortLimit1 }},
	{"XhciPortLimit2", false, func(q config.Quirks) bool { return q.XHCIPortLimit2 }},
	{"XhciPortLimit3", false, func(q config.Quirks) bool { return q.XHCIPortLimit3 }},
	{"DisableIoMapper", false, func(q config.Quirks) bool { return q.DisableIOMapper }},
	{"DisableRtcChecksum", false, func(q config.Quirks) bool { return q.RTCChecksum }},
	{"IncreasePciBarSize", false, func(q config.Quirks) bool { return q.PCIBARSize }},
	{"CustomSmbiosGuid1", false, func(q config.Quirks) bool { return q.CustomSMBIOSGUID }},
	{"CustomSmbiosGuid2", false, func(q config.Quirks) bool { return q.CustomSMBIOSGUID2 }},
	{"DummyPowerManagement", false, func(q config.Quirks) bool { return q.DummyPowerManagement }},
	{"DisableLinkeditJettison", false, func(q config.Quirks) bool { return q.NoKextDump }},

	{"AppleXcpmCfgLock", true, func(q config.Quirks) bool { return q.AppleXcpmCFGLock }},
	{"AppleXcpmExtraMsrs", true, func(q config.Quirks) bool { return q.AppleXcpmExtraMSRs }},
	{"AppleXcpmForceBoost", true, func(q config.Quirks) bool { return q.AppleXcpmForceBoost }},
	{"PanicNoKextDump", true, func(q config.Quirks) bool { return q.PanicNoKextDump }},
	{"LapicKernelPanic", true, func(q config.Quirks) bool { return q.LapicPanic }},
	{"PowerTimeoutKernelPanic", true, func(q config.Quirks) bool { return q.PowerTimeoutPanic }},
}

// ApplyKernelQuirks runs every enabled kernel-mode quirk against handle,
// after the user patches have already been applied.
func (e *Engine) ApplyKernelQuirks(cfg config.Quirks, handle kernelio.PatcherHandle, apply func(name string, h kernelio.PatcherHandle) error) {
	for _, q := range quirkTable {
		if !q.kernelMode || !q.enabled(cfg) {
			continue
		}
		if err := apply(q.name, handle); err != nil {
			e.metrics().QuirksSkipped.Inc()
			if e.Log != nil {
				e.Log.WithField("quirk", q.name).WithError(err).Warn("quirk skipped")
			}
			continue
		}
		e.metrics().QuirksApplied.Inc()
	}
}

// ApplyExtensionQuirks runs every enabled extension-mode quirk against ctx.
func (e *Engine) ApplyExtensionQuirks(cfg config.Quirks, ctx kernelio.CacheContext) error {
	any := false
	for _, q := range quirkTable {
		if q.kernelMode || !q.enabled(cfg) {
			continue
		}
		if err := ctx.AddQuirk(q.name, true); err != nil {
			e.metrics().QuirksSkipped.Inc()
			if e.Log != nil {
				e.Log.WithField("quirk", q.name).WithError(err).Warn("quirk skipped")
			}
			continue
		}
		any = true
		e.metrics().QuirksApplied.Inc()
	}
	if !any {
		return nil
	}
	if err := ctx.ApplyQuirks(); err != nil {
		return kernelerr.Wrap(kernelerr.PassthroughError, "patch.ApplyExtensionQuirks", "", err)
	}
	return nil
}
