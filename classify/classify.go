// Package classify maps an incoming intercepted path to one of the fixed
// set of tags this core understands, applying the rules top-to-bottom with
// first-match-wins semantics.
package classify

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Tag is the classification result.
type Tag int

const (
	// Passthrough means the path is not intercepted at all.
	Passthrough Tag = iota
	// Kernel covers the plain kernel image, kernelcache and prelinkedkernel
	// names alike; the pipeline selection (prelinked vs plain read) happens
	// downstream in the kernel reader.
	Kernel
	// MkextArchive is a multi-extension archive path.
	MkextArchive
	// ExtensionsDir is the canonical System/Library/Extensions directory.
	ExtensionsDir
	// ExtensionsChild is any other path under System/Library/Extensions/
	// while a cacheless session is active.
	ExtensionsChild
	// InjectedBundleFile is a synthetic-bundle path under a cacheless
	// session's injection prefix.
	InjectedBundleFile
)

func (t Tag) String() string {
	switch t {
	case Kernel:
		return "kernel"
	case MkextArchive:
		return "mkext-archive"
	case ExtensionsDir:
		return "extensions-dir"
	case ExtensionsChild:
		return "extensions-child"
	case InjectedBundleFile:
		return "injected-bundle-file"
	default:
		return "passthrough"
	}
}

const (
	canonicalKernelPath = "System/Library/Kernels/kernel"
	extensionsDir       = "System/Library/Extensions"
	extensionsPrefix    = extensionsDir + "/"
	injectedPrefix      = extensionsPrefix + "Oc"
)

// Result carries the tag plus the sub-path the downstream pipeline needs
// (e.g. the child path under Extensions for ExtensionsChild/InjectedBundleFile).
type Result struct {
	Tag     Tag
	SubPath string
}

// Classify applies the path-classification rules in order. cachelessActive
// reports whether a cacheless session gate is currently open, since rules
// 1 and 6 only fire while it is.
func Classify(path string, cachelessActive bool) Result {
	// Unicode paths reach this core from a storage layer that makes no
	// normalization guarantee; fold to NFC before any substring match so
	// a decomposed and a precomposed form of the same path classify
	// identically.
	path = norm.NFC.String(path)

	if cachelessActive && strings.HasPrefix(path, injectedPrefix) {
		return Result{Tag: InjectedBundleFile, SubPath: strings.TrimPrefix(path, extensionsPrefix)}
	}

	if strings.Contains(path, "kernel") &&
		path != canonicalKernelPath &&
		!strings.Contains(path, ".kext/") &&
		!strings.Contains(path, ".im4m") {
		return Result{Tag: Kernel}
	}

	// Rule 3 deliberately does not repeat rule 2's .kext/.im4m exclusions:
	// a kernelcache/prelinkedkernel name is always routed to the kernel
	// pipeline even when rule 2 declined it (e.g. a co-located .im4m
	// signature manifest sharing the prelinkedkernel basename).
	if strings.Contains(path, "kernelcache") || strings.Contains(path, "prelinkedkernel") {
		return Result{Tag: Kernel}
	}

	if strings.Contains(path, "Extensions.mkext") {
		return Result{Tag: MkextArchive}
	}

	if path == extensionsDir {
		return Result{Tag: ExtensionsDir}
	}

	if cachelessActive && strings.HasPrefix(path, extensionsPrefix) {
		return Result{Tag: ExtensionsChild, SubPath: strings.TrimPrefix(path, extensionsPrefix)}
	}

	return Result{Tag: Passthrough}
}
