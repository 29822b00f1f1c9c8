// Package mkext implements the multi-extension archive pipeline: the
// same injection and extension-mode patch/quirk contract as the
// prelinked pipeline, minus bundle blocking and linked-expansion
// accounting, over a container whose entries are zlib-compressed the
// way the real mkext archive format stores them.
package mkext

import (
	"bytes"
	"path"

	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/metrics"
	"github.com/kextveil/kernelcore/patch"
	"github.com/kextveil/kernelcore/planner"
)

// Pipeline runs the mkext contract over a kernelio.MkextContext.
type Pipeline struct {
	Log     *logrus.Entry
	Patch   *patch.Engine
	Metrics *metrics.Registry
}

func New(log *logrus.Entry, m *metrics.Registry) *Pipeline {
	return &Pipeline{Log: log, Patch: patch.New(log, m), Metrics: m}
}

func (p *Pipeline) metrics() *metrics.Registry {
	if p.Metrics == nil {
		return metrics.NoOp()
	}
	return p.Metrics
}

// compressExecutable zlib-compresses exe, matching the real mkext entry
// format, but only when compression actually shrinks it; otherwise the
// executable is stored raw, as the original format falls back to doing.
func compressExecutable(exe []byte) (data []byte, compressed bool, err error) {
	if len(exe) == 0 {
		return exe, false, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(exe); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}
	if buf.Len() >= len(exe) {
		return exe, false, nil
	}
	return buf.Bytes(), true, nil
}

func forcePath(bundlePath string) string {
	return path.Join("/Library/Extensions", path.Base(bundlePath))
}

func (p *Pipeline) injectForce(ctx kernelio.MkextContext, l planner.Loaded, detected uint32, actual kernelio.Arch) {
	if l.Disabled {
		return
	}
	if l.MinKernel != "" || l.MaxKernel != "" {
		if !patch.VersionInRange(detected, l.MinKernel, l.MaxKernel) {
			return
		}
	}
	forceBuiltin := l.ForcedBuiltin()
	bundlePath := ""
	if !forceBuiltin {
		bundlePath = forcePath(l.BundlePath)
	}
	p.inject(ctx, l, bundlePath, forceBuiltin)
}

// injectAdd keys the entry by identifier and its configured bundle path
// directly, rather than rewriting it under /Library/Extensions: the add
// list is already addressed relative to the overlay it was discovered
// under.
func (p *Pipeline) injectAdd(ctx kernelio.MkextContext, l planner.Loaded, detected uint32, actual kernelio.Arch) {
	if l.Disabled {
		return
	}
	if l.MinKernel != "" || l.MaxKernel != "" {
		if !patch.VersionInRange(detected, l.MinKernel, l.MaxKernel) {
			return
		}
	}
	p.inject(ctx, l, l.BundlePath, false)
}

func (p *Pipeline) inject(ctx kernelio.MkextContext, l planner.Loaded, bundlePath string, forceBuiltin bool) {
	plist := l.Plist.Bytes()
	exe, _, err := compressExecutable(l.Exe.Bytes())
	if err != nil {
		if p.Log != nil {
			p.Log.WithField("identifier", l.Identifier).WithError(err).Warn("executable compression failed")
		}
		return
	}
	if err := ctx.InjectKext(l.Identifier, bundlePath, plist, exe, forceBuiltin); err != nil {
		if p.Log != nil {
			p.Log.WithField("identifier", l.Identifier).WithError(err).Warn("bundle injection failed")
		}
		return
	}
	p.metrics().BundlesInjected.Inc()
}

// Run executes the mkext contract: inject force (built-in entries marked,
// others placed under /Library/Extensions) then add (identifier- and
// bundle-path-keyed) entries, apply extension-mode patches and quirks
// against the union of injected identifiers, and finalize the archive.
func (p *Pipeline) Run(ctx kernelio.MkextContext, plan planner.Plan, cfg config.Kernel, detected uint32, actual kernelio.Arch) ([]byte, error) {
	for _, l := range plan.Force {
		p.injectForce(ctx, l, detected, actual)
	}
	for _, l := range plan.Add {
		p.injectAdd(ctx, l, detected, actual)
	}

	seen := map[string]bool{}
	for _, l := range append(append([]planner.Loaded{}, plan.Force...), plan.Add...) {
		if l.Disabled || seen[l.Identifier] {
			continue
		}
		seen[l.Identifier] = true
		if err := p.Patch.ApplyExtension(cfg.Patch, l.Identifier, detected, actual, ctx); err != nil {
			return nil, err
		}
	}
	if err := p.Patch.ApplyExtensionQuirks(cfg.Quirks, ctx); err != nil {
		return nil, err
	}

	archive, err := ctx.Finalize()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.PassthroughError, "mkext.Run", "", err)
	}
	return archive, nil
}
