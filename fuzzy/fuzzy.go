// Package fuzzy implements the fuzzy cache locator: when a kernelcache
// read comes back not-found and fuzzy matching is enabled, it searches
// the cache's parent directory for newest-first matching candidates and
// tries each in turn.
package fuzzy

import (
	"path"
	"strings"
	"time"

	"github.com/aalpar/deheap"

	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
)

// candidateHeap orders directory entries by modification time, newest
// first via PopMax, with ties broken by first-encountered order (a lower
// sequence number sorts ahead when times are equal).
type candidateHeap struct {
	names []string
	times []time.Time
	seq   []int
}

func (h *candidateHeap) Len() int { return len(h.names) }
func (h *candidateHeap) Less(i, j int) bool {
	if h.times[i].Equal(h.times[j]) {
		// PopMax pops whichever element Less ranks highest; to keep the
		// first-encountered candidate winning a tie, the lower sequence
		// number must rank higher here.
		return h.seq[i] > h.seq[j]
	}
	return h.times[i].Before(h.times[j])
}
func (h *candidateHeap) Swap(i, j int) {
	h.names[i], h.names[j] = h.names[j], h.names[i]
	h.times[i], h.times[j] = h.times[j], h.times[i]
	h.seq[i], h.seq[j] = h.seq[j], h.seq[i]
}
func (h *candidateHeap) Push(x any) {
	c := x.(candidate)
	h.names = append(h.names, c.name)
	h.times = append(h.times, c.modTime)
	h.seq = append(h.seq, c.seq)
}
func (h *candidateHeap) Pop() any {
	n := len(h.names) - 1
	name, t, seq := h.names[n], h.times[n], h.seq[n]
	h.names, h.times, h.seq = h.names[:n], h.times[:n], h.seq[:n]
	return candidate{name: name, modTime: t, seq: seq}
}

type candidate struct {
	name    string
	modTime time.Time
	seq     int
}

// ParentAndBasename derives the cache's parent directory by truncating
// the path at the first occurrence of basename; ok is false when basename
// does not occur in fullPath.
func ParentAndBasename(fullPath, basename string) (parent string, ok bool) {
	idx := strings.Index(fullPath, basename)
	if idx < 0 {
		return "", false
	}
	parent = path.Dir(fullPath[:idx] + basename)
	if parent == "." {
		parent = ""
	}
	return parent, true
}

// TryOpen attempts one candidate and reports whether the overall search
// should stop (success) or continue to the next candidate. Per the
// fuzzy-locator's documented retry behavior, an invalid-cache result
// (version regression) does not stop the search; only a successful read
// does.
type TryOpen func(candidatePath string) (ok bool, err error)

// Locate enumerates parent for entries with the given basename prefix,
// visits them newest-first, and calls try on each until one succeeds.
func Locate(storage kernelio.StorageReader, parent, basename string, try TryOpen) (string, bool, error) {
	entries, err := storage.ReadDir(parent)
	if err != nil {
		return "", false, kernelerr.Wrap(kernelerr.NotFound, "fuzzy.Locate", parent, err)
	}

	h := &candidateHeap{}
	deheap.Init(h)
	seq := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), basename) {
			continue
		}
		info, err := e.Info()
		var mt time.Time
		if err == nil {
			mt = info.ModTime()
		}
		deheap.Push(h, candidate{name: e.Name(), modTime: mt, seq: seq})
		seq++
	}

	for h.Len() > 0 {
		c := deheap.PopMax(h).(candidate)
		candidatePath := path.Join(parent, c.name)
		ok, _ := try(candidatePath)
		if ok {
			return candidatePath, true, nil
		}
		// Continue regardless of the specific failure reason, including
		// invalid-cache: the next-newest candidate still deserves a try.
	}
	return "", false, kernelerr.New(kernelerr.NotFound, "fuzzy.Locate", parent)
}
