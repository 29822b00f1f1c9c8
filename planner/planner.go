// Package planner is the extension loader / size planner: for each
// configured extension it loads the info-plist and optional executable,
// and accumulates the reservation totals the chosen cache strategy needs.
package planner

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/metrics"
	"github.com/kextveil/kernelcore/session"
)

// maxPathLength bounds a bundle/plist/executable relative path; a longer
// one disables the entry for this pass rather than failing the plan.
const maxPathLength = 1024

// PrelinkedKextsMaxSize is the policy cap the prelinked strategy must not
// exceed, consulted by Plan when cacheType is Prelinked.
const PrelinkedKextsMaxSize = 128 << 20

// Loaded is a configured extension plus its lazily-loaded buffers.
type Loaded struct {
	config.Extension
	Plist    session.Buffer
	Exe      session.Buffer
	Disabled bool
}

// ForcedBuiltin reports whether this force entry targets a bundle that
// already lives on the real filesystem under System/Library/Extensions,
// which the pipelines inject by identifier only (no synthetic bundle).
func (l Loaded) ForcedBuiltin() bool {
	const prefix = "System/Library/Extensions"
	return len(l.BundlePath) >= len(prefix) && l.BundlePath[:len(prefix)] == prefix
}

// Plan is the aggregate result of one planning pass.
type Plan struct {
	ReservedExe  uint32
	ReservedInfo uint32
	Count        int
	Force        []Loaded
	Add          []Loaded
}

// CacheType selects which reservation routine Plan delegates to.
type CacheType int

const (
	CacheTypeCacheless CacheType = iota
	CacheTypeMkext
	CacheTypePrelinked
)

// Planner loads extensions and reserves size for one pipeline activation.
// Add-list buffers persist across calls (keyed by identifier) for
// performance; force-list buffers are always reloaded and freed first,
// since the underlying force source file may change between passes.
type Planner struct {
	Log     *logrus.Entry
	Metrics *metrics.Registry

	addCache map[string]Loaded
}

// New builds a Planner with an empty add-list cache.
func New(log *logrus.Entry, m *metrics.Registry) *Planner {
	return &Planner{Log: log, Metrics: m, addCache: map[string]Loaded{}}
}

func (p *Planner) metrics() *metrics.Registry {
	if p.Metrics == nil {
		return metrics.NoOp()
	}
	return p.Metrics
}

// reserver is the per-cache-type reservation primitive: Mkext/Cacheless
// delegate to the archive's own routine, Prelinked to the pre-linked
// container's. Both are modeled as the same ReserveSize call on a
// standalone size reserver supplied by the caller; no cache context
// exists yet when Plan runs.
type reserver interface {
	ReserveSize(infoSize, exeSize uint32) (reservedInfo, reservedExe uint32, err error)
}

func (p *Planner) load(storage kernelio.StorageReader, e config.Extension) (Loaded, error) {
	l := Loaded{Extension: e}
	if !e.Enabled {
		l.Disabled = true
		return l, nil
	}
	if len(e.BundlePath) > maxPathLength || len(e.PlistPath) > maxPathLength || len(e.ExecutablePath) > maxPathLength {
		l.Disabled = true
		return l, kernelerr.New(kernelerr.Overflow, "planner.load", e.BundlePath)
	}

	plistBytes, _, err := storage.ReadFile(e.PlistPath)
	if err != nil {
		l.Disabled = true
		return l, kernelerr.Wrap(kernelerr.MissingAsset, "planner.load", e.PlistPath, err)
	}
	l.Plist = session.NewBuffer(plistBytes)

	if e.ExecutablePath != "" {
		exeBytes, _, err := storage.ReadFile(e.ExecutablePath)
		if err != nil {
			l.Disabled = true
			return l, kernelerr.Wrap(kernelerr.MissingAsset, "planner.load", e.ExecutablePath, err)
		}
		l.Exe = session.NewBuffer(exeBytes)
	}
	return l, nil
}

func (p *Planner) warn(path string, err error) {
	if p.Log != nil {
		p.Log.WithField("path", path).WithError(err).Warn("extension disabled for this pass")
	}
}

// reserveOne accumulates reservedInfo/reservedExe for one loaded entry via
// r.ReserveSize, disabling the entry on overflow rather than failing the
// whole pass.
func (p *Planner) reserveOne(r reserver, l *Loaded, totalInfo, totalExe *uint32) {
	if l.Disabled {
		return
	}
	infoSize := uint32(l.Plist.Len())
	exeSize := uint32(l.Exe.Len())
	info, exe, err := r.ReserveSize(infoSize, exeSize)
	if err != nil {
		l.Disabled = true
		p.warn(l.BundlePath, kernelerr.Wrap(kernelerr.Overflow, "planner.reserveOne", l.BundlePath, err))
		return
	}
	if uint64(*totalInfo)+uint64(info) > math.MaxUint32 || uint64(*totalExe)+uint64(exe) > math.MaxUint32 {
		l.Disabled = true
		p.warn(l.BundlePath, kernelerr.New(kernelerr.Overflow, "planner.reserveOne", l.BundlePath))
		return
	}
	*totalInfo += info
	*totalExe += exe
	p.metrics().BytesReservedInfo.Add(float64(info))
	p.metrics().BytesReservedExe.Add(float64(exe))
}

// Plan runs one planning pass over force (always reloaded) and add
// (cached across passes) entries, reserving size via r for cacheType, and
// rejecting the overall plan for Prelinked when the exe budget or the
// info+exe sum would overflow.
func (p *Planner) Plan(storage kernelio.StorageReader, force, add []config.Extension, r reserver, cacheType CacheType) (Plan, error) {
	var plan Plan
	for _, e := range force {
		l, err := p.load(storage, e)
		if err != nil {
			p.warn(e.BundlePath, err)
		}
		p.reserveOne(r, &l, &plan.ReservedInfo, &plan.ReservedExe)
		if !l.Disabled {
			plan.Count++
		}
		plan.Force = append(plan.Force, l)
	}

	for _, e := range add {
		l, cached := p.addCache[e.Identifier]
		if !cached {
			var err error
			l, err = p.load(storage, e)
			if err != nil {
				p.warn(e.BundlePath, err)
			}
			p.addCache[e.Identifier] = l
		}
		p.reserveOne(r, &l, &plan.ReservedInfo, &plan.ReservedExe)
		if !l.Disabled {
			plan.Count++
		}
		plan.Add = append(plan.Add, l)
	}

	if cacheType == CacheTypePrelinked {
		if plan.ReservedExe > PrelinkedKextsMaxSize {
			return plan, kernelerr.New(kernelerr.Overflow, "planner.Plan", "")
		}
		if uint64(plan.ReservedInfo)+uint64(plan.ReservedExe) > math.MaxUint32 {
			return plan, kernelerr.New(kernelerr.Overflow, "planner.Plan", "")
		}
	}

	return plan, nil
}
