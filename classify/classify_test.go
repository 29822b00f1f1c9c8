package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRules(t *testing.T) {
	cases := []struct {
		name            string
		path            string
		cachelessActive bool
		want            Tag
	}{
		{"canonical kernel path is passthrough", canonicalKernelPath, false, Passthrough},
		{"other kernel path", "System/Library/Kernels/kernel.debug", false, Kernel},
		{"kext bundle excluded", "System/Library/Extensions/Foo.kext/Contents/Info.plist", false, Passthrough},
		{"im4m excluded from generic rule", "System/Library/Kernels/kernel.im4m", false, Passthrough},
		{"kernelcache", "System/Library/Caches/com.apple.kext.caches/Startup/kernelcache", false, Kernel},
		{"prelinkedkernel", "System/Library/PrelinkedKernels/prelinkedkernel", false, Kernel},
		{"mkext archive", "System/Library/Extensions.mkext", false, MkextArchive},
		{"extensions dir", "System/Library/Extensions", false, ExtensionsDir},
		{"extensions child inactive gate", "System/Library/Extensions/Foo.kext/Contents/Info.plist", false, Passthrough},
		{"extensions child active gate", "System/Library/Extensions/Foo.kext/Contents/Info.plist", true, ExtensionsChild},
		{"injected bundle requires active gate", "System/Library/Extensions/OcA/Contents/Info.plist", false, Passthrough},
		{"injected bundle with active gate", "System/Library/Extensions/OcA/Contents/Info.plist", true, InjectedBundleFile},
		{"unrelated path", "usr/standalone/firmware/whatever", false, Passthrough},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.path, tc.cachelessActive)
			assert.Equal(t, tc.want, got.Tag)
		})
	}
}

func TestClassifyExtractsSubPath(t *testing.T) {
	res := Classify("System/Library/Extensions/OcA/Contents/Info.plist", true)
	assert.Equal(t, InjectedBundleFile, res.Tag)
	assert.Equal(t, "OcA/Contents/Info.plist", res.SubPath)

	res = Classify("System/Library/Extensions/Foo.kext/Contents/Info.plist", true)
	assert.Equal(t, ExtensionsChild, res.Tag)
	assert.Equal(t, "Foo.kext/Contents/Info.plist", res.SubPath)
}

func TestClassifyUnicodeNormalization(t *testing.T) {
	// "Ä" as a combining sequence (A + combining diaeresis) vs precomposed.
	decomposed := "System/Library/Extensions/OcÄ/Contents/Info.plist"
	res := Classify(decomposed, true)
	assert.Equal(t, InjectedBundleFile, res.Tag)
}
