// Package metrics keeps in-memory counters for the patch engine and
// pipelines. There is no network stack at boot time to serve these over
// HTTP; Gather renders them as text for the CLI harness and for tests to
// assert on.
package metrics

import (
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is one session's worth of counters/gauges.
type Registry struct {
	reg *prometheus.Registry

	PatchesApplied    prometheus.Counter
	PatchesSkipped    prometheus.Counter
	QuirksApplied     prometheus.Counter
	QuirksSkipped     prometheus.Counter
	BundlesInjected   prometheus.Counter
	BundlesBlocked    prometheus.Counter
	BytesReservedExe  prometheus.Counter
	BytesReservedInfo prometheus.Counter
}

// New builds a fresh, independent Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg:               reg,
		PatchesApplied:    prometheus.NewCounter(prometheus.CounterOpts{Name: "kernelcore_patches_applied_total"}),
		PatchesSkipped:    prometheus.NewCounter(prometheus.CounterOpts{Name: "kernelcore_patches_skipped_total"}),
		QuirksApplied:     prometheus.NewCounter(prometheus.CounterOpts{Name: "kernelcore_quirks_applied_total"}),
		QuirksSkipped:     prometheus.NewCounter(prometheus.CounterOpts{Name: "kernelcore_quirks_skipped_total"}),
		BundlesInjected:   prometheus.NewCounter(prometheus.CounterOpts{Name: "kernelcore_bundles_injected_total"}),
		BundlesBlocked:    prometheus.NewCounter(prometheus.CounterOpts{Name: "kernelcore_bundles_blocked_total"}),
		BytesReservedExe:  prometheus.NewCounter(prometheus.CounterOpts{Name: "kernelcore_bytes_reserved_exe_total"}),
		BytesReservedInfo: prometheus.NewCounter(prometheus.CounterOpts{Name: "kernelcore_bytes_reserved_info_total"}),
	}
	reg.MustRegister(
		r.PatchesApplied, r.PatchesSkipped,
		r.QuirksApplied, r.QuirksSkipped,
		r.BundlesInjected, r.BundlesBlocked,
		r.BytesReservedExe, r.BytesReservedInfo,
	)
	return r
}

var noop = New()

// NoOp returns a shared Registry whose counters are never read, for
// components constructed without an explicit Registry.
func NoOp() *Registry { return noop }

// Gather renders every counter as "name value" lines, sorted by name, for
// diagnostic output.
func (r *Registry) Gather(w io.Writer) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var v float64
			if c := m.GetCounter(); c != nil {
				v = c.GetValue()
			}
			if _, err := fmt.Fprintf(w, "%s %g\n", f.GetName(), v); err != nil {
				return err
			}
		}
	}
	return nil
}
