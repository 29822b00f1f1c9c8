// Package prelinked implements the pre-linked-kernel pipeline: inject
// configured bundles into the container, apply patches and quirks in
// extension mode, neutralize blocked bundles, and finalize the image.
package prelinked

import (
	"path"

	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/metrics"
	"github.com/kextveil/kernelcore/patch"
	"github.com/kextveil/kernelcore/planner"
)

// Pipeline runs the prelinked-cache contract over a kernelio.PrelinkedContext.
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

func injectPath(bundlePath string) string {
	return path.Join("/Library/Extensions", path.Base(bundlePath))
}

func (p *Pipeline) injectOne(ctx kernelio.PrelinkedContext, l planner.Loaded, detected uint32, actual kernelio.Arch) {
	if l.Disabled {
		return
	}
	if l.MinKernel != "" || l.MaxKernel != "" {
		if !patch.VersionInRange(detected, l.MinKernel, l.MaxKernel) {
			return
		}
	}
	var identifier, bundlePath string
	plist, exe := l.Plist.Bytes(), l.Exe.Bytes()
	forceBuiltin := l.ForcedBuiltin()
	if forceBuiltin {
		identifier = l.Identifier
	} else {
		identifier = l.Identifier
		bundlePath = injectPath(l.BundlePath)
	}
	if err := ctx.InjectKext(identifier, bundlePath, plist, exe, forceBuiltin); err != nil {
		if p.Log != nil {
			p.Log.WithField("identifier", identifier).WithError(err).Warn("bundle injection failed")
		}
		return
	}
	p.metrics().BundlesInjected.Inc()
}

// Run executes the full prelinked pipeline contract (spec.md §4.E).
// Kernel-mode patches and quirks (operating on the raw kernel buffer
// rather than inside this container) are the orchestrator's
// responsibility, applied once per boot regardless of cache type.
func (p *Pipeline) Run(ctx kernelio.PrelinkedContext, plan planner.Plan, cfg config.Kernel, detected uint32, actual kernelio.Arch) ([]byte, error) {
	if err := ctx.InjectPrepare(plan.ReservedExe); err != nil {
		return nil, kernelerr.Wrap(kernelerr.OutOfMemory, "prelinked.Run", "", err)
	}

	for _, l := range plan.Force {
		p.injectOne(ctx, l, detected, actual)
	}
	for _, l := range plan.Add {
		p.injectOne(ctx, l, detected, actual)
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

	for _, b := range cfg.Block {
		if !b.Enabled {
			continue
		}
		if !patch.VersionInRange(detected, b.MinKernel, b.MaxKernel) {
			continue
		}
		if err := ctx.Block(b.Identifier); err != nil {
			if p.Log != nil {
				p.Log.WithField("identifier", b.Identifier).WithError(err).Warn("block failed")
			}
			continue
		}
		p.metrics().BundlesBlocked.Inc()
	}

	if err := ctx.InjectComplete(); err != nil {
		return nil, kernelerr.Wrap(kernelerr.PassthroughError, "prelinked.Run", "", err)
	}

	kernel, err := ctx.Finalize()
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.PassthroughError, "prelinked.Run", "", err)
	}
	return kernel, nil
}
