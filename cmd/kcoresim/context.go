package main

import (
	"io/fs"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/kernelerr"
)

// kextEntry is one bundle injected into a cache context via InjectKext.
type kextEntry struct {
	identifier   string
	bundlePath   string
	plist        []byte
	exe          []byte
	forceBuiltin bool
}

// patchEntry is one pending AddPatch call, applied in one batch by
// ApplyPatches against whichever kextEntry its Target names.
type patchEntry struct {
	target                              string
	find, replace, findMask, replaceMask []byte
	count, skip                         int
	limit                                uint32
}

// ledger is the common kernelio.CacheContext implementation shared by the
// three concrete cache contexts below: it tracks injected bundles, pending
// patches, and enabled quirks in memory, applying patches against whatever
// kext buffer each targets.
type ledger struct {
	log      *logrus.Entry
	reserver *simSizeReserver
	kexts    []kextEntry
	patches  []patchEntry
	quirks   map[string]bool
}

func newLedger(log *logrus.Entry) ledger {
	return ledger{log: log, reserver: newSimSizeReserver(), quirks: map[string]bool{}}
}

func (l *ledger) ReserveSize(infoSize, exeSize uint32) (uint32, uint32, error) {
	return l.reserver.ReserveSize(infoSize, exeSize)
}

func (l *ledger) AddPatch(target string, find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) error {
	l.patches = append(l.patches, patchEntry{target, find, replace, findMask, replaceMask, count, skip, limit})
	return nil
}

func (l *ledger) findKext(identifier string) *kextEntry {
	for i := range l.kexts {
		if l.kexts[i].identifier == identifier {
			return &l.kexts[i]
		}
	}
	return nil
}

func (l *ledger) ApplyPatches() error {
	for _, p := range l.patches {
		k := l.findKext(p.target)
		if k == nil {
			continue
		}
		if _, err := applyGenericPatch(k.exe, p.find, p.replace, p.findMask, p.replaceMask, p.count, p.skip, p.limit); err != nil {
			if l.log != nil {
				l.log.WithField("target", p.target).WithError(err).Warn("extension patch skipped")
			}
		}
	}
	l.patches = nil
	return nil
}

func (l *ledger) AddQuirk(name string, enabled bool) error {
	l.quirks[name] = enabled
	return nil
}

func (l *ledger) ApplyQuirks() error {
	if l.log != nil {
		l.log.WithField("count", len(l.quirks)).Debug("extension quirks applied")
	}
	return nil
}

func (l *ledger) InjectKext(identifier, bundlePath string, plist, exe []byte, forceBuiltin bool) error {
	l.kexts = append(l.kexts, kextEntry{
		identifier:   identifier,
		bundlePath:   bundlePath,
		plist:        plist,
		exe:          exe,
		forceBuiltin: forceBuiltin,
	})
	return nil
}

// prelinkedSimContext simulates the prelinked container: InjectComplete
// appends a length-prefixed record per non-builtin bundle after the
// headroom InjectPrepare reserved, which is the closest an untyped byte
// buffer can come to "linking" without a real Mach-O writer.
type prelinkedSimContext struct {
	ledger
	kernel  []byte
	headroom uint32
	used    uint32
	blocked map[string]bool
}

func newPrelinkedSimContext(log *logrus.Entry, kernel []byte) *prelinkedSimContext {
	return &prelinkedSimContext{ledger: newLedger(log), kernel: kernel, blocked: map[string]bool{}}
}

func (c *prelinkedSimContext) InjectPrepare(reservedExe uint32) error {
	c.headroom = reservedExe
	return nil
}

func (c *prelinkedSimContext) InjectComplete() error {
	for _, k := range c.kexts {
		if k.forceBuiltin || c.blocked[k.identifier] {
			continue
		}
		record := encodeKextRecord(k)
		if c.used+uint32(len(record)) > c.headroom {
			return kernelerr.New(kernelerr.OutOfMemory, "kcoresim.InjectComplete", k.identifier)
		}
		c.kernel = append(c.kernel, record...)
		c.used += uint32(len(record))
	}
	return nil
}

func (c *prelinkedSimContext) Block(identifier string) error {
	c.blocked[identifier] = true
	return nil
}

func (c *prelinkedSimContext) Finalize() ([]byte, error) {
	return c.kernel, nil
}

// mkextSimContext simulates the mkext archive: Finalize serializes every
// injected bundle as a length-prefixed record, mirroring the pack's own
// compress-then-fallback convention by leaving compression to mkext.Pipeline
// upstream of this context.
type mkextSimContext struct {
	ledger
	header []byte
}

func newMkextSimContext(log *logrus.Entry, archive []byte) *mkextSimContext {
	return &mkextSimContext{ledger: newLedger(log), header: archive}
}

func (c *mkextSimContext) Finalize() ([]byte, error) {
	out := append([]byte{}, c.header...)
	for _, k := range c.kexts {
		out = append(out, encodeKextRecord(k)...)
	}
	return out, nil
}

// cachelessSimContext simulates the cacheless overlay: injected bundles are
// served from an in-memory synthetic tree. HookBuiltin never substitutes a
// builtin bundle; it always reports a miss.
type cachelessSimContext struct {
	ledger
	overlayName string
	osVersion   uint32
}

func newCachelessSimContext(log *logrus.Entry, overlayName string, osVersion uint32) *cachelessSimContext {
	return &cachelessSimContext{ledger: newLedger(log), overlayName: overlayName, osVersion: osVersion}
}

func (c *cachelessSimContext) OverlayDir(real fs.ReadDirFS) (fs.ReadDirFS, error) {
	synthetic := map[string][]byte{}
	for _, k := range c.kexts {
		if k.forceBuiltin {
			continue
		}
		base := "Oc" + sanitizeIdentifier(k.identifier) + ".kext"
		synthetic[path.Join(base, "Contents", "Info.plist")] = k.plist
		if len(k.exe) > 0 {
			synthetic[path.Join(base, "Contents", "MacOS", sanitizeIdentifier(k.identifier))] = k.exe
		}
	}
	return newSyntheticOverlay(real, synthetic), nil
}

func (c *cachelessSimContext) HookBuiltin(childPath string) ([]byte, bool, error) {
	const prefix = "System/Library/Extensions/"
	rel := childPath
	if len(rel) >= len(prefix) && rel[:len(prefix)] == prefix {
		rel = rel[len(prefix):]
	}
	// A real hook would stat/read the builtin bundle under rel and apply
	// any matching extension patch in place; nothing in this fixture tree
	// needs substituting, so report a pass-through miss.
	_ = rel
	return nil, false, nil
}

func (c *cachelessSimContext) PerformInject(childPath string) ([]byte, time.Time, bool, error) {
	const prefix = "System/Library/Extensions/"
	rel := childPath
	if len(rel) >= len(prefix) && rel[:len(prefix)] == prefix {
		rel = rel[len(prefix):]
	}
	for _, k := range c.kexts {
		if k.forceBuiltin {
			continue
		}
		base := "Oc" + sanitizeIdentifier(k.identifier) + ".kext"
		if rel == path.Join(base, "Contents", "Info.plist") {
			return k.plist, time.Time{}, true, nil
		}
		if len(k.exe) > 0 && rel == path.Join(base, "Contents", "MacOS", sanitizeIdentifier(k.identifier)) {
			return k.exe, time.Time{}, true, nil
		}
	}
	return nil, time.Time{}, false, nil
}

func sanitizeIdentifier(identifier string) string {
	out := make([]byte, 0, len(identifier))
	for i := 0; i < len(identifier); i++ {
		if identifier[i] == '.' || identifier[i] == '/' {
			continue
		}
		out = append(out, identifier[i])
	}
	return string(out)
}

func encodeKextRecord(k kextEntry) []byte {
	var out []byte
	out = appendLV(out, []byte(k.identifier))
	out = appendLV(out, k.plist)
	out = appendLV(out, k.exe)
	return out
}

func appendLV(dst, v []byte) []byte {
	n := uint32(len(v))
	dst = append(dst, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	return append(dst, v...)
}
