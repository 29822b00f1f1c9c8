package mkext

import (
	"bytes"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/planner"
	"github.com/kextveil/kernelcore/session"
)

type fakeCtx struct {
	injected     []string
	bundlePaths  map[string]string
	forceBuiltin map[string]bool
	finalizeBuf []byte
	finalizeErr error
}

func newFakeCtx() *fakeCtx {
	return &fakeCtx{bundlePaths: map[string]string{}, forceBuiltin: map[string]bool{}}
}

func (f *fakeCtx) ReserveSize(infoSize, exeSize uint32) (uint32, uint32, error) {
	return infoSize, exeSize, nil
}
func (f *fakeCtx) AddPatch(target string, find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) error {
	return nil
}
func (f *fakeCtx) ApplyPatches() error { return nil }
func (f *fakeCtx) AddQuirk(name string, enabled bool) error { return nil }
func (f *fakeCtx) ApplyQuirks() error                       { return nil }
func (f *fakeCtx) InjectKext(identifier, bundlePath string, plist, exe []byte, forceBuiltin bool) error {
	f.injected = append(f.injected, identifier)
	f.bundlePaths[identifier] = bundlePath
	f.forceBuiltin[identifier] = forceBuiltin
	return nil
}
func (f *fakeCtx) Finalize() ([]byte, error) { return f.finalizeBuf, f.finalizeErr }

var _ kernelio.MkextContext = (*fakeCtx)(nil)

func loaded(identifier, bundlePath string) planner.Loaded {
	return planner.Loaded{
		Extension: config.Extension{Identifier: identifier, BundlePath: bundlePath, Enabled: true},
		Plist:     session.NewBuffer([]byte("plist")),
		Exe:       session.NewBuffer(bytes.Repeat([]byte("A"), 256)),
	}
}

func TestRunForceBuiltinSkipsSyntheticBundlePath(t *testing.T) {
	ctx := newFakeCtx()
	plan := planner.Plan{
		Force: []planner.Loaded{loaded("com.example.builtin", "System/Library/Extensions/Builtin.kext")},
	}
	p := New(logrus.NewEntry(logrus.New()), nil)

	_, err := p.Run(ctx, plan, config.Kernel{}, 0, kernelio.Arch64)
	require.NoError(t, err)
	assert.True(t, ctx.forceBuiltin["com.example.builtin"])
	assert.Equal(t, "", ctx.bundlePaths["com.example.builtin"])
}

func TestRunForceNonBuiltinRewritesUnderLibraryExtensions(t *testing.T) {
	ctx := newFakeCtx()
	plan := planner.Plan{
		Force: []planner.Loaded{loaded("com.example.synthetic", "/Oc/Kexts/Synthetic.kext")},
	}
	p := New(logrus.NewEntry(logrus.New()), nil)

	_, err := p.Run(ctx, plan, config.Kernel{}, 0, kernelio.Arch64)
	require.NoError(t, err)
	assert.Equal(t, "/Library/Extensions/Synthetic.kext", ctx.bundlePaths["com.example.synthetic"])
}

func TestRunAddKeepsConfiguredBundlePath(t *testing.T) {
	ctx := newFakeCtx()
	plan := planner.Plan{
		Add: []planner.Loaded{loaded("com.example.add", "/Volumes/EFI/Kexts/Add.kext")},
	}
	p := New(logrus.NewEntry(logrus.New()), nil)

	_, err := p.Run(ctx, plan, config.Kernel{}, 0, kernelio.Arch64)
	require.NoError(t, err)
	assert.Equal(t, "/Volumes/EFI/Kexts/Add.kext", ctx.bundlePaths["com.example.add"])
}

func TestRunDeduplicatesPatchTargetsAcrossForceAndAdd(t *testing.T) {
	ctx := newFakeCtx()
	plan := planner.Plan{
		Force: []planner.Loaded{loaded("com.example.dup", "/Oc/Dup.kext")},
		Add:   []planner.Loaded{loaded("com.example.dup", "/Oc/Dup.kext")},
	}
	p := New(logrus.NewEntry(logrus.New()), nil)

	_, err := p.Run(ctx, plan, config.Kernel{Patch: []config.Patch{}}, 0, kernelio.Arch64)
	require.NoError(t, err)
	assert.Len(t, ctx.injected, 2, "both the force and add entries are still injected individually")
}

func TestRunWrapsFinalizeFailureAsPassthrough(t *testing.T) {
	ctx := newFakeCtx()
	ctx.finalizeErr = errors.New("archive assembly failed")
	p := New(logrus.NewEntry(logrus.New()), nil)

	_, err := p.Run(ctx, planner.Plan{}, config.Kernel{}, 0, kernelio.Arch64)
	require.Error(t, err)
}

func TestCompressExecutableFallsBackToRawWhenNotSmaller(t *testing.T) {
	data, compressed, err := compressExecutable([]byte("x"))
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, []byte("x"), data)
}

func TestCompressExecutableCompressesRepetitiveData(t *testing.T) {
	exe := bytes.Repeat([]byte("A"), 4096)
	data, compressed, err := compressExecutable(exe)
	require.NoError(t, err)
	require.True(t, compressed)
	assert.Less(t, len(data), len(exe))

	r, err := zlib.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer r.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, exe, out.Bytes())
}
