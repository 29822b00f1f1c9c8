package main

import "github.com/kextveil/kernelcore/kernelerr"

// applyGenericPatch is the simulator's byte-pattern engine: a plain
// find/replace scan over buf with optional don't-care masks on both sides,
// honoring skip (matches to ignore before the first apply) and count (0 =
// unbounded) the same way the real patcher does. Symbolic Base patches
// (Find/Replace of differing length) require resolving a kernel symbol
// table this simulator does not carry, so they are reported as an error
// and left to the caller's skip-and-warn handling.
func applyGenericPatch(buf, find, replace, findMask, replaceMask []byte, count, skip int, limit uint32) (int, error) {
	if len(find) == 0 {
		return 0, kernelerr.New(kernelerr.BorkedPatch, "kcoresim.applyGenericPatch", "")
	}
	if len(find) != len(replace) {
		return 0, kernelerr.New(kernelerr.MissingAsset, "kcoresim.applyGenericPatch", "symbolic Base patch unsupported in simulator")
	}

	searchLimit := len(buf)
	if limit > 0 && int(limit) < searchLimit {
		searchLimit = int(limit)
	}

	applied, skipped := 0, 0
	for i := 0; i+len(find) <= searchLimit; i++ {
		if !patternMatches(buf[i:i+len(find)], find, findMask) {
			continue
		}
		if skipped < skip {
			skipped++
			continue
		}
		for j := range replace {
			if replaceMask == nil || replaceMask[j] != 0 {
				buf[i+j] = replace[j]
			}
		}
		applied++
		i += len(find) - 1
		if count > 0 && applied >= count {
			break
		}
	}
	return applied, nil
}

func patternMatches(window, find, mask []byte) bool {
	for i := range find {
		if mask != nil && mask[i] == 0 {
			continue
		}
		if window[i] != find[i] {
			return false
		}
	}
	return true
}
