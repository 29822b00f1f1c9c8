// Package cacheless implements the cacheless-cache pipeline: rather than
// rewriting a single buffer, it installs a synthetic overlay in front of
// the real extensions directory, answering reads for injected bundles
// from that overlay and routing every other read through a hook that may
// substitute a patched version of the real file.
package cacheless

import (
	"io/fs"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/metrics"
	"github.com/kextveil/kernelcore/patch"
	"github.com/kextveil/kernelcore/planner"
	"github.com/kextveil/kernelcore/session"
)

// injectedPrefix is the path prefix answered from the synthetic overlay
// (perform-inject); extensionsPrefix is the wider directory routed
// through the builtin-substitution hook.
const (
	extensionsPrefix = "System/Library/Extensions/"
	injectedPrefix   = "System/Library/Extensions/Oc"
)

// ContextFactory mints a fresh cacheless context keyed by (overlay name,
// real directory handle, OS version), the collaborator construction step
// this package borrows rather than implements.
type ContextFactory func(overlayName string, real fs.ReadDirFS, osVersion uint32) (kernelio.CachelessContext, error)

// Pipeline runs the cacheless contract against a session's CachelessGate.
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

func (p *Pipeline) injectForce(ctx kernelio.CachelessContext, l planner.Loaded, detected uint32) {
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
		bundlePath = l.BundlePath
	}
	p.inject(ctx, l, bundlePath, forceBuiltin)
}

func (p *Pipeline) injectAdd(ctx kernelio.CachelessContext, l planner.Loaded, detected uint32) {
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

func (p *Pipeline) inject(ctx kernelio.CachelessContext, l planner.Loaded, bundlePath string, forceBuiltin bool) {
	if err := ctx.InjectKext(l.Identifier, bundlePath, l.Plist.Bytes(), l.Exe.Bytes(), forceBuiltin); err != nil {
		if p.Log != nil {
			p.Log.WithField("identifier", l.Identifier).WithError(err).Warn("bundle injection failed")
		}
		return
	}
	p.metrics().BundlesInjected.Inc()
}

// Open installs a fresh cacheless overlay over real: any previously active
// context is closed first (per the gate's Active -> Idle -> Active
// reopen rule), force and add entries are injected, extension-mode
// patches and quirks are applied, and the synthetic directory handle
// merging real and synthetic children is returned.
func (p *Pipeline) Open(sess *session.Session, overlayName string, real fs.ReadDirFS, plan planner.Plan, cfg config.Kernel, detected uint32, actual kernelio.Arch, newCtx ContextFactory) (fs.ReadDirFS, error) {
	if sess.Cacheless.Active() {
		sess.Cacheless.Close()
	}

	ctx, err := newCtx(overlayName, real, sess.OSVersion())
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.PassthroughError, "cacheless.Open", overlayName, err)
	}

	for _, l := range plan.Force {
		p.injectForce(ctx, l, detected)
	}
	for _, l := range plan.Add {
		p.injectAdd(ctx, l, detected)
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

	overlay, err := ctx.OverlayDir(real)
	if err != nil {
		return nil, kernelerr.Wrap(kernelerr.PassthroughError, "cacheless.Open", overlayName, err)
	}
	sess.Cacheless.Open(ctx)
	return overlay, nil
}

// Close idles the gate, releasing the active cacheless context. Per the
// state machine, extensions-child and injected-bundle-file classification
// only apply while the gate is Active; after Close, reads fall back to
// plain passthrough.
func (p *Pipeline) Close(sess *session.Session) {
	sess.Cacheless.Close()
}

// Read answers one cacheless read: injected-bundle paths are served from
// the overlay's synthetic bundles (perform-inject); any other child under
// the extensions directory is routed through the builtin-substitution
// hook. Read fails NotFound if no cacheless context is currently active.
func (p *Pipeline) Read(sess *session.Session, childPath string) ([]byte, time.Time, bool, error) {
	ctx := sess.Cacheless.Context()
	if ctx == nil {
		return nil, time.Time{}, false, kernelerr.New(kernelerr.NotFound, "cacheless.Read", childPath)
	}
	if strings.HasPrefix(childPath, injectedPrefix) {
		return ctx.PerformInject(childPath)
	}
	if strings.HasPrefix(childPath, extensionsPrefix) {
		data, ok, err := ctx.HookBuiltin(childPath)
		return data, time.Time{}, ok, err
	}
	return nil, time.Time{}, false, kernelerr.New(kernelerr.NotFound, "cacheless.Read", childPath)
}
