// Package intercept wires the path classifier, kernel reader, patch
// engine, and the three cache pipelines into the single entry point the
// downstream loader calls on every file-open: classify the path, route
// kernel/cache reads through the reader and the selected pipeline, and
// wrap whatever comes out as a virtual file or directory handle.
package intercept

import (
	"io/fs"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/cacheless"
	"github.com/kextveil/kernelcore/classify"
	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/fuzzy"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/kread"
	"github.com/kextveil/kernelcore/metrics"
	"github.com/kextveil/kernelcore/mkext"
	"github.com/kextveil/kernelcore/patch"
	"github.com/kextveil/kernelcore/planner"
	"github.com/kextveil/kernelcore/prelinked"
	"github.com/kextveil/kernelcore/session"
	"github.com/kextveil/kernelcore/vfile"
)

// Darwin major-version ceilings the downgrade gates consult. kread/patch
// already treat a detected version as the bare Darwin major component
// (see patch.VersionInRange), so these are plain majors rather than
// OpenCore's packed KERNEL_VERSION bit-field: Snow Leopard tops out at
// Darwin 10, Mavericks at Darwin 13.
const (
	darwinSnowLeopardMax uint32 = 10
	darwinMavericksMax   uint32 = 13
)

// Collaborators bundles every external primitive the orchestrator borrows
// but does not implement, resolved once at bootstrap and threaded through
// every Open call.
type Collaborators struct {
	Storage          kernelio.StorageReader
	Kernel           kernelio.KernelPrimitive
	Mkext            kernelio.MkextPrimitive
	Versions         kernelio.VersionParser
	ArchOracle       kernelio.ArchPreferenceOracle
	SixtyFourOracle  kernelio.SixtyFourBitOracle
	Patcher          kernelio.Patcher
	CPUIDEditor      kernelio.CPUIDEditor
	DigestSink       kernelio.DigestSink
	VFSHook          kernelio.VirtualFSHook
	LinkedExpansion  func(reservedExe uint32) uint32
	ApplyKernelQuirk func(name string, handle kernelio.PatcherHandle) error

	PrelinkedSizeReserver kernelio.SizeReserver
	MkextSizeReserver     kernelio.SizeReserver
	CachelessSizeReserver kernelio.SizeReserver

	NewPrelinkedContext func(kernel []byte) (kernelio.PrelinkedContext, error)
	NewMkextContext     func(archive []byte) (kernelio.MkextContext, error)
	NewCachelessContext cacheless.ContextFactory

	RealExtensionsDir fs.ReadDirFS
}

// Result is what Open hands back: exactly one of File or Dir is set.
type Result struct {
	File *vfile.File
	Dir  fs.ReadDirFS
}

// Core is the top-level orchestrator: one instance per process, reused
// across every Open call within a session.
type Core struct {
	Log       *logrus.Entry
	Metrics   *metrics.Registry
	Patch     *patch.Engine
	Planner   *planner.Planner
	Prelinked *prelinked.Pipeline
	Mkext     *mkext.Pipeline
	Cacheless *cacheless.Pipeline
}

// New builds a Core with every pipeline wired to the same log/metrics.
func New(log *logrus.Entry, m *metrics.Registry) *Core {
	return &Core{
		Log:       log,
		Metrics:   m,
		Patch:     patch.New(log, m),
		Planner:   planner.New(log, m),
		Prelinked: prelinked.New(log, m),
		Mkext:     mkext.New(log, m),
		Cacheless: cacheless.New(log, m),
	}
}

// Open is the single entry point: classify path, then dispatch.
func (c *Core) Open(sess *session.Session, path string, col Collaborators) (Result, error) {
	tag := classify.Classify(path, sess.Cacheless.Active())
	switch tag.Tag {
	case classify.Kernel:
		return c.openKernel(sess, path, col)
	case classify.MkextArchive:
		return c.openMkext(sess, col)
	case classify.ExtensionsDir:
		return c.openExtensionsDir(sess, col)
	case classify.ExtensionsChild, classify.InjectedBundleFile:
		return c.openCacheless(sess, tag.SubPath, col)
	default:
		return c.openPassthrough(sess, path, col)
	}
}

func isCachePath(path string) bool {
	return strings.Contains(path, "kernelcache") || strings.Contains(path, "prelinkedkernel")
}

// currentArch reports the session's architecture preference, defaulting
// to 64-bit until the kernel reader has recorded one.
func currentArch(sess *session.Session) kernelio.Arch {
	pref, _ := sess.ArchPreference()
	if pref == kernelio.Arch32 {
		return kernelio.Arch32
	}
	return kernelio.Arch64
}

// downgradeRejects applies the version-gated half of the two Prelinked
// downgrade gates: a cap weaker than Prelinked only rejects a cache read
// when the detected version is at or below that cap's ceiling, so older
// releases still get their one true cache format even under a
// restrictive cap.
func downgradeRejects(cap config.Scheme, detected uint32) bool {
	switch cap {
	case config.SchemeMkext:
		return detected <= darwinSnowLeopardMax
	case config.SchemeCacheless:
		return detected <= darwinMavericksMax
	default:
		return false
	}
}

func (c *Core) openKernel(sess *session.Session, path string, col Collaborators) (Result, error) {
	cachePath := isCachePath(path)

	var headroom uint32
	var plan planner.Plan
	if cachePath {
		var err error
		plan, err = c.Planner.Plan(col.Storage, sess.Config.Kernel.Force, sess.Config.Kernel.Add, col.PrelinkedSizeReserver, planner.CacheTypePrelinked)
		if err != nil {
			return Result{}, err
		}
		headroom = kread.Headroom(plan.ReservedInfo, plan.ReservedExe, col.LinkedExpansion)
	}

	res, err := kread.Read(sess, col.Kernel, col.Versions, col.ArchOracle, col.SixtyFourOracle, headroom, col.DigestSink)
	if err != nil {
		return Result{}, err
	}
	detected := sess.OSVersion()

	if cachePath && downgradeRejects(sess.Config.Kernel.Scheme.KernelCache, detected) {
		return Result{}, kernelerr.New(kernelerr.NotFound, "intercept.openKernel", path)
	}

	handle, err := col.Patcher.InitFromBuffer(res.Bytes)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.PassthroughError, "intercept.openKernel", path, err)
	}
	c.Patch.ApplyKernel(sess.Config.Kernel.Patch, detected, res.Arch, handle)
	if col.ApplyKernelQuirk != nil {
		c.Patch.ApplyKernelQuirks(sess.Config.Kernel.Quirks, handle, col.ApplyKernelQuirk)
	}
	if err := c.Patch.ApplyCPUIDOverride(sess.Config.Kernel.Emulate, sess.CPU, col.CPUIDEditor); err != nil {
		return Result{}, err
	}

	if !cachePath {
		return Result{File: vfile.New(path, res.Bytes, vfile.StolenModTime(nil))}, nil
	}

	ctx, err := col.NewPrelinkedContext(res.Bytes)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.PassthroughError, "intercept.openKernel", path, err)
	}
	kernel, err := c.Prelinked.Run(ctx, plan, sess.Config.Kernel, detected, res.Arch)
	if err != nil {
		return Result{}, err
	}
	return Result{File: vfile.New(path, kernel, vfile.StolenModTime(nil))}, nil
}

func (c *Core) openMkext(sess *session.Session, col Collaborators) (Result, error) {
	if sess.Config.Kernel.Scheme.KernelCache == config.SchemeCacheless {
		return Result{}, kernelerr.New(kernelerr.NotFound, "intercept.openMkext", "")
	}

	plan, err := c.Planner.Plan(col.Storage, sess.Config.Kernel.Force, sess.Config.Kernel.Add, col.MkextSizeReserver, planner.CacheTypeMkext)
	if err != nil {
		return Result{}, err
	}
	headroom := kread.Headroom(plan.ReservedInfo, plan.ReservedExe, nil)

	archive, _, err := col.Mkext.Read(headroom)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.PassthroughError, "intercept.openMkext", "", err)
	}

	ctx, err := col.NewMkextContext(archive)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.PassthroughError, "intercept.openMkext", "", err)
	}

	detected := sess.OSVersion()
	built, err := c.Mkext.Run(ctx, plan, sess.Config.Kernel, detected, currentArch(sess))
	if err != nil {
		return Result{}, err
	}
	return Result{File: vfile.New("Extensions.mkext", built, vfile.StolenModTime(nil))}, nil
}

func (c *Core) openExtensionsDir(sess *session.Session, col Collaborators) (Result, error) {
	plan, err := c.Planner.Plan(col.Storage, sess.Config.Kernel.Force, sess.Config.Kernel.Add, col.CachelessSizeReserver, planner.CacheTypeCacheless)
	if err != nil {
		return Result{}, err
	}

	overlay, err := c.Cacheless.Open(sess, "OpenCore", col.RealExtensionsDir, plan, sess.Config.Kernel, sess.OSVersion(), currentArch(sess), col.NewCachelessContext)
	if err != nil {
		return Result{}, err
	}
	if col.VFSHook != nil {
		col.VFSHook.Enable()
	}
	return Result{Dir: overlay}, nil
}

func (c *Core) openCacheless(sess *session.Session, subPath string, col Collaborators) (Result, error) {
	data, modTime, ok, err := c.Cacheless.Read(sess, "System/Library/Extensions/"+subPath)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, kernelerr.New(kernelerr.NotFound, "intercept.openCacheless", subPath)
	}
	return Result{File: vfile.New(subPath, data, modTime)}, nil
}

func (c *Core) openPassthrough(sess *session.Session, path string, col Collaborators) (Result, error) {
	data, info, err := col.Storage.ReadFile(path)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.PassthroughError, "intercept.openPassthrough", path, err)
	}
	return Result{File: vfile.New(path, data, vfile.StolenModTime(info))}, nil
}

// LocateFuzzyKernelcache runs the fuzzy locator (4.H) when a kernelcache
// read classified by Open has come back not-found and FuzzyMatch is
// enabled: it retries Open against each newest-first candidate in the
// cache's parent directory until one succeeds.
func (c *Core) LocateFuzzyKernelcache(sess *session.Session, failedPath string, col Collaborators) (Result, error) {
	if !sess.Config.Kernel.Scheme.FuzzyMatch {
		return Result{}, kernelerr.New(kernelerr.NotFound, "intercept.LocateFuzzyKernelcache", failedPath)
	}
	basename := "kernelcache"
	if strings.Contains(failedPath, "prelinkedkernel") {
		basename = "prelinkedkernel"
	}
	parent, ok := fuzzy.ParentAndBasename(failedPath, basename)
	if !ok {
		return Result{}, kernelerr.New(kernelerr.NotFound, "intercept.LocateFuzzyKernelcache", failedPath)
	}

	var found Result
	_, _, err := fuzzy.Locate(col.Storage, parent, basename, func(candidate string) (bool, error) {
		res, err := c.Open(sess, candidate, col)
		if err != nil {
			return false, err
		}
		found = res
		return true, nil
	})
	if err != nil {
		return Result{}, err
	}
	return found, nil
}
