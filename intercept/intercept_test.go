package intercept

import (
	"io/fs"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/session"
)

type fakeFileInfo struct {
	name    string
	size    int64
	modTime time.Time
	dir     bool
}

func (fi fakeFileInfo) Name() string       { return fi.name }
func (fi fakeFileInfo) Size() int64        { return fi.size }
func (fi fakeFileInfo) Mode() fs.FileMode  { return 0o444 }
func (fi fakeFileInfo) ModTime() time.Time { return fi.modTime }
func (fi fakeFileInfo) IsDir() bool        { return fi.dir }
func (fi fakeFileInfo) Sys() any           { return nil }

type fakeDirEntry struct{ info fakeFileInfo }

func (e fakeDirEntry) Name() string               { return e.info.name }
func (e fakeDirEntry) IsDir() bool                { return e.info.dir }
func (e fakeDirEntry) Type() fs.FileMode          { return e.info.Mode() }
func (e fakeDirEntry) Info() (fs.FileInfo, error) { return e.info, nil }

type fakeStorage struct {
	files      map[string][]byte
	dirEntries map[string][]fs.DirEntry
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{files: map[string][]byte{}, dirEntries: map[string][]fs.DirEntry{}}
}

func (s *fakeStorage) ReadFile(path string) ([]byte, fs.FileInfo, error) {
	b, ok := s.files[path]
	if !ok {
		return nil, nil, fs.ErrNotExist
	}
	return b, fakeFileInfo{name: path, size: int64(len(b))}, nil
}
func (s *fakeStorage) Stat(path string) (fs.FileInfo, error) {
	b, ok := s.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return fakeFileInfo{name: path, size: int64(len(b))}, nil
}
func (s *fakeStorage) ReadDir(path string) ([]fs.DirEntry, error) {
	return s.dirEntries[path], nil
}

var _ kernelio.StorageReader = (*fakeStorage)(nil)

type fakeKernelPrimitive struct {
	result kernelio.KernelReadResult
	err    error
	calls  int
}

func (k *fakeKernelPrimitive) Read(arch kernelio.Arch, headroom uint32) (kernelio.KernelReadResult, error) {
	k.calls++
	return k.result, k.err
}

var _ kernelio.KernelPrimitive = (*fakeKernelPrimitive)(nil)

type fakeMkextPrimitive struct {
	data []byte
	err  error
}

func (m *fakeMkextPrimitive) Read(headroom uint32) ([]byte, uint32, error) {
	return m.data, uint32(len(m.data)), m.err
}

var _ kernelio.MkextPrimitive = (*fakeMkextPrimitive)(nil)

type fakeVersions struct{ version uint32 }

func (v fakeVersions) ParseOSVersion(kernel []byte) (uint32, error) { return v.version, nil }

var _ kernelio.VersionParser = fakeVersions{}

type fakeArchOracle struct{ pref kernelio.Arch }

func (a fakeArchOracle) Preferred(osVersion uint32) kernelio.Arch { return a.pref }

var _ kernelio.ArchPreferenceOracle = fakeArchOracle{}

type fakeSixtyFour struct{ supports bool }

func (s fakeSixtyFour) Supports64Bit() bool { return s.supports }

var _ kernelio.SixtyFourBitOracle = fakeSixtyFour{}

type fakeDigestSink struct{ digest []byte }

func (d *fakeDigestSink) SetKernelDigest(digest []byte) { d.digest = digest }

var _ kernelio.DigestSink = (*fakeDigestSink)(nil)

type fakeVFSHook struct{ enabled bool }

func (h *fakeVFSHook) Enable()  { h.enabled = true }
func (h *fakeVFSHook) Disable() { h.enabled = false }

var _ kernelio.VirtualFSHook = (*fakeVFSHook)(nil)

type fakeHandle struct{}

func (h *fakeHandle) ApplyGenericPatch(find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) (int, error) {
	return 0, nil
}

type fakePatcher struct {
	initBufErr error
}

func (p *fakePatcher) InitFromBuffer(buf []byte) (kernelio.PatcherHandle, error) {
	if p.initBufErr != nil {
		return nil, p.initBufErr
	}
	return &fakeHandle{}, nil
}

var _ kernelio.Patcher = (*fakePatcher)(nil)

type fakeSizeReserver struct{}

func (fakeSizeReserver) ReserveSize(infoSize, exeSize uint32) (uint32, uint32, error) {
	return infoSize, exeSize, nil
}

var _ kernelio.SizeReserver = fakeSizeReserver{}

type fakePrelinkedCtx struct {
	finalizeBuf []byte
	finalizeErr error
}

func (f *fakePrelinkedCtx) ReserveSize(infoSize, exeSize uint32) (uint32, uint32, error) {
	return infoSize, exeSize, nil
}
func (f *fakePrelinkedCtx) AddPatch(target string, find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) error {
	return nil
}
func (f *fakePrelinkedCtx) ApplyPatches() error                   { return nil }
func (f *fakePrelinkedCtx) AddQuirk(name string, enabled bool) error { return nil }
func (f *fakePrelinkedCtx) ApplyQuirks() error                    { return nil }
func (f *fakePrelinkedCtx) InjectKext(identifier, bundlePath string, plist, exe []byte, forceBuiltin bool) error {
	return nil
}
func (f *fakePrelinkedCtx) InjectPrepare(reservedExe uint32) error { return nil }
func (f *fakePrelinkedCtx) InjectComplete() error                  { return nil }
func (f *fakePrelinkedCtx) Block(identifier string) error          { return nil }
func (f *fakePrelinkedCtx) Finalize() ([]byte, error)              { return f.finalizeBuf, f.finalizeErr }

var _ kernelio.PrelinkedContext = (*fakePrelinkedCtx)(nil)

type fakeMkextCtx struct {
	finalizeBuf []byte
	finalizeErr error
}

func (f *fakeMkextCtx) ReserveSize(infoSize, exeSize uint32) (uint32, uint32, error) {
	return infoSize, exeSize, nil
}
func (f *fakeMkextCtx) AddPatch(target string, find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) error {
	return nil
}
func (f *fakeMkextCtx) ApplyPatches() error                   { return nil }
func (f *fakeMkextCtx) AddQuirk(name string, enabled bool) error { return nil }
func (f *fakeMkextCtx) ApplyQuirks() error                    { return nil }
func (f *fakeMkextCtx) InjectKext(identifier, bundlePath string, plist, exe []byte, forceBuiltin bool) error {
	return nil
}
func (f *fakeMkextCtx) Finalize() ([]byte, error) { return f.finalizeBuf, f.finalizeErr }

var _ kernelio.MkextContext = (*fakeMkextCtx)(nil)

type fakeCachelessCtx struct {
	performData []byte
	performOK   bool
}

func (f *fakeCachelessCtx) ReserveSize(infoSize, exeSize uint32) (uint32, uint32, error) {
	return infoSize, exeSize, nil
}
func (f *fakeCachelessCtx) AddPatch(target string, find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) error {
	return nil
}
func (f *fakeCachelessCtx) ApplyPatches() error                   { return nil }
func (f *fakeCachelessCtx) AddQuirk(name string, enabled bool) error { return nil }
func (f *fakeCachelessCtx) ApplyQuirks() error                    { return nil }
func (f *fakeCachelessCtx) InjectKext(identifier, bundlePath string, plist, exe []byte, forceBuiltin bool) error {
	return nil
}
func (f *fakeCachelessCtx) OverlayDir(real fs.ReadDirFS) (fs.ReadDirFS, error) { return real, nil }
func (f *fakeCachelessCtx) HookBuiltin(childPath string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *fakeCachelessCtx) PerformInject(childPath string) ([]byte, time.Time, bool, error) {
	return f.performData, time.Time{}, f.performOK, nil
}

var _ kernelio.CachelessContext = (*fakeCachelessCtx)(nil)

type fakeRealDir struct{}

func (fakeRealDir) Open(name string) (fs.File, error)         { return nil, fs.ErrNotExist }
func (fakeRealDir) ReadDir(name string) ([]fs.DirEntry, error) { return nil, nil }

var _ fs.ReadDirFS = fakeRealDir{}

func newSession(cfg config.Config, storage kernelio.StorageReader) *session.Session {
	return session.New(cfg, storage, kernelio.CPUInfo{}, kernelio.Arch64, logrus.New())
}

// baseCollaborators wires every field with an inert default; tests
// override only what they need to exercise.
func baseCollaborators(storage *fakeStorage, detectedVersion uint32) Collaborators {
	return Collaborators{
		Storage: storage,
		Kernel: &fakeKernelPrimitive{result: kernelio.KernelReadResult{
			Bytes: []byte("kernel-bytes"),
		}},
		Mkext:                 &fakeMkextPrimitive{},
		Versions:              fakeVersions{version: detectedVersion},
		ArchOracle:            fakeArchOracle{pref: kernelio.Arch64},
		SixtyFourOracle:       fakeSixtyFour{supports: true},
		Patcher:               &fakePatcher{},
		DigestSink:            &fakeDigestSink{},
		VFSHook:               &fakeVFSHook{},
		PrelinkedSizeReserver: fakeSizeReserver{},
		MkextSizeReserver:     fakeSizeReserver{},
		CachelessSizeReserver: fakeSizeReserver{},
		NewPrelinkedContext: func(kernel []byte) (kernelio.PrelinkedContext, error) {
			return &fakePrelinkedCtx{finalizeBuf: append([]byte("prelinked:"), kernel...)}, nil
		},
		NewMkextContext: func(archive []byte) (kernelio.MkextContext, error) {
			return &fakeMkextCtx{finalizeBuf: append([]byte("mkext:"), archive...)}, nil
		},
		NewCachelessContext: func(overlayName string, real fs.ReadDirFS, osVersion uint32) (kernelio.CachelessContext, error) {
			return &fakeCachelessCtx{}, nil
		},
		RealExtensionsDir: fakeRealDir{},
	}
}

func TestOpenPlainKernelSkipsPrelinkedPipeline(t *testing.T) {
	storage := newFakeStorage()
	sess := newSession(config.Config{}, storage)
	col := baseCollaborators(storage, 20)
	c := New(logrus.NewEntry(logrus.New()), nil)

	res, err := c.Open(sess, "System/Library/Kernels/kernel.debug", col)
	require.NoError(t, err)
	require.NotNil(t, res.File)
	assert.Equal(t, uint32(20), sess.OSVersion())
}

func TestOpenKernelcacheRunsPrelinkedPipeline(t *testing.T) {
	storage := newFakeStorage()
	sess := newSession(config.Config{}, storage)
	col := baseCollaborators(storage, 20)
	c := New(logrus.NewEntry(logrus.New()), nil)

	res, err := c.Open(sess, "System/Library/PrelinkedKernels/prelinkedkernel", col)
	require.NoError(t, err)
	require.NotNil(t, res.File)

	info, err := res.File.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(len("prelinked:kernel-bytes")), info.Size())
}

func TestOpenKernelcacheRejectedWhenCapBelowSnowLeopardMax(t *testing.T) {
	storage := newFakeStorage()
	cfg := config.Config{Kernel: config.Kernel{Scheme: config.KernelScheme{KernelCache: config.SchemeMkext}}}
	sess := newSession(cfg, storage)
	col := baseCollaborators(storage, darwinSnowLeopardMax)
	c := New(logrus.NewEntry(logrus.New()), nil)

	_, err := c.Open(sess, "System/Library/PrelinkedKernels/prelinkedkernel", col)
	assert.Error(t, err)
}

func TestOpenKernelcacheAllowedWhenCapBelowSnowLeopardMaxButVersionNewer(t *testing.T) {
	storage := newFakeStorage()
	cfg := config.Config{Kernel: config.Kernel{Scheme: config.KernelScheme{KernelCache: config.SchemeMkext}}}
	sess := newSession(cfg, storage)
	col := baseCollaborators(storage, darwinSnowLeopardMax+1)
	c := New(logrus.NewEntry(logrus.New()), nil)

	_, err := c.Open(sess, "System/Library/PrelinkedKernels/prelinkedkernel", col)
	require.NoError(t, err)
}

func TestOpenKernelcacheRejectedWhenCapBelowMavericksMax(t *testing.T) {
	storage := newFakeStorage()
	cfg := config.Config{Kernel: config.Kernel{Scheme: config.KernelScheme{KernelCache: config.SchemeCacheless}}}
	sess := newSession(cfg, storage)
	col := baseCollaborators(storage, darwinMavericksMax)
	c := New(logrus.NewEntry(logrus.New()), nil)

	_, err := c.Open(sess, "System/Library/PrelinkedKernels/prelinkedkernel", col)
	assert.Error(t, err)
}

func TestOpenMkextArchiveRejectedOutrightWhenCapIsCacheless(t *testing.T) {
	storage := newFakeStorage()
	cfg := config.Config{Kernel: config.Kernel{Scheme: config.KernelScheme{KernelCache: config.SchemeCacheless}}}
	sess := newSession(cfg, storage)
	col := baseCollaborators(storage, 20)
	c := New(logrus.NewEntry(logrus.New()), nil)

	_, err := c.Open(sess, "Extensions.mkext", col)
	assert.Error(t, err)
}

func TestOpenMkextArchiveSucceedsUnderMkextCap(t *testing.T) {
	storage := newFakeStorage()
	cfg := config.Config{Kernel: config.Kernel{Scheme: config.KernelScheme{KernelCache: config.SchemeMkext}}}
	sess := newSession(cfg, storage)
	col := baseCollaborators(storage, 20)
	col.Mkext = &fakeMkextPrimitive{data: []byte("archive")}
	c := New(logrus.NewEntry(logrus.New()), nil)

	res, err := c.Open(sess, "Extensions.mkext", col)
	require.NoError(t, err)
	require.NotNil(t, res.File)
}

func TestOpenExtensionsDirInstallsOverlayAndEnablesVFSHook(t *testing.T) {
	storage := newFakeStorage()
	sess := newSession(config.Config{}, storage)
	col := baseCollaborators(storage, 20)
	hook := &fakeVFSHook{}
	col.VFSHook = hook
	c := New(logrus.NewEntry(logrus.New()), nil)

	res, err := c.Open(sess, "System/Library/Extensions", col)
	require.NoError(t, err)
	require.NotNil(t, res.Dir)
	assert.True(t, sess.Cacheless.Active())
	assert.True(t, hook.enabled)
}

func TestOpenInjectedBundleRoutesThroughCachelessContext(t *testing.T) {
	storage := newFakeStorage()
	sess := newSession(config.Config{}, storage)
	col := baseCollaborators(storage, 20)
	ctx := &fakeCachelessCtx{performData: []byte("patched-bundle"), performOK: true}
	sess.Cacheless.Open(ctx)
	c := New(logrus.NewEntry(logrus.New()), nil)

	res, err := c.Open(sess, "System/Library/Extensions/OcFoo.kext/Contents/Info.plist", col)
	require.NoError(t, err)
	require.NotNil(t, res.File)
}

func TestOpenInjectedBundleNotFoundWhenGateIdle(t *testing.T) {
	storage := newFakeStorage()
	sess := newSession(config.Config{}, storage)
	col := baseCollaborators(storage, 20)
	c := New(logrus.NewEntry(logrus.New()), nil)

	_, err := c.Open(sess, "System/Library/Extensions/OcFoo.kext/Contents/Info.plist", col)
	assert.Error(t, err)
}

func TestOpenPassthroughReadsDirectlyFromStorage(t *testing.T) {
	storage := newFakeStorage()
	storage.files["EFI/OC/config.plist"] = []byte("plist-bytes")
	sess := newSession(config.Config{}, storage)
	col := baseCollaborators(storage, 20)
	c := New(logrus.NewEntry(logrus.New()), nil)

	res, err := c.Open(sess, "EFI/OC/config.plist", col)
	require.NoError(t, err)
	require.NotNil(t, res.File)
}

func TestOpenPassthroughWrapsMissingFile(t *testing.T) {
	storage := newFakeStorage()
	sess := newSession(config.Config{}, storage)
	col := baseCollaborators(storage, 20)
	c := New(logrus.NewEntry(logrus.New()), nil)

	_, err := c.Open(sess, "EFI/OC/missing.plist", col)
	assert.Error(t, err)
}

func TestLocateFuzzyKernelcacheTriesNewestFirst(t *testing.T) {
	storage := newFakeStorage()
	now := time.Now()
	storage.dirEntries["System/Library/PrelinkedKernels"] = []fs.DirEntry{
		fakeDirEntry{info: fakeFileInfo{name: "kernelcache.old", modTime: now.Add(-time.Hour)}},
		fakeDirEntry{info: fakeFileInfo{name: "kernelcache.new", modTime: now}},
	}
	cfg := config.Config{Kernel: config.Kernel{Scheme: config.KernelScheme{FuzzyMatch: true}}}
	sess := newSession(cfg, storage)
	col := baseCollaborators(storage, 20)
	c := New(logrus.NewEntry(logrus.New()), nil)

	res, err := c.LocateFuzzyKernelcache(sess, "System/Library/PrelinkedKernels/kernelcache", col)
	require.NoError(t, err)
	require.NotNil(t, res.File)

	info, err := res.File.Stat()
	require.NoError(t, err)
	assert.Equal(t, "System/Library/PrelinkedKernels/kernelcache.new", info.Name())
}

func TestLocateFuzzyKernelcacheFailsWhenDisabled(t *testing.T) {
	storage := newFakeStorage()
	sess := newSession(config.Config{}, storage)
	col := baseCollaborators(storage, 20)
	c := New(logrus.NewEntry(logrus.New()), nil)

	_, err := c.LocateFuzzyKernelcache(sess, "System/Library/PrelinkedKernels/kernelcache", col)
	assert.Error(t, err)
}
