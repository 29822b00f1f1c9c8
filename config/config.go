// Package config defines the read-only configuration shape this core
// consumes. Loading and schema validation happen upstream; this package
// only describes the borrowed structure and the Darwin-version sentinels
// used to mean "unbounded" in a MinKernel/MaxKernel pair.
package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v2"
)

// Scheme caps the strongest kernel-cache strategy the loader may use.
type Scheme int

const (
	// SchemePrelinked is the default: the pre-linked kernel container.
	SchemePrelinked Scheme = iota
	// SchemeCacheless disables any monolithic cache entirely.
	SchemeCacheless
	// SchemeMkext caps the cache at the legacy multi-extension archive.
	SchemeMkext
)

func (s Scheme) String() string {
	switch s {
	case SchemeCacheless:
		return "Cacheless"
	case SchemeMkext:
		return "Mkext"
	case SchemePrelinked:
		return "Prelinked"
	default:
		return "Unknown"
	}
}

// Unbounded version sentinels: an empty MinKernel means "since forever",
// an empty MaxKernel means "no upper bound".
const (
	MinUnbounded = ""
	MaxUnbounded = ""
)

// Arch restricts an entry to a specific kernel architecture, or both.
type Arch string

const (
	ArchAny   Arch = ""
	ArchI386  Arch = "i386"
	ArchX8664 Arch = "x86_64"
)

// KernelScheme is Kernel.Scheme in the enumerated options.
type KernelScheme struct {
	KernelCache Scheme `yaml:"KernelCache"`
	FuzzyMatch  bool   `yaml:"FuzzyMatch"`
}

// Extension is one Kernel.Force[*] or Kernel.Add[*] entry.
type Extension struct {
	Identifier     string `yaml:"Identifier"`
	BundlePath     string `yaml:"BundlePath"`
	PlistPath      string `yaml:"PlistPath"`
	ExecutablePath string `yaml:"ExecutablePath,omitempty"`
	Comment        string `yaml:"Comment,omitempty"`
	Enabled        bool   `yaml:"Enabled"`
	MinKernel      string `yaml:"MinKernel,omitempty"`
	MaxKernel      string `yaml:"MaxKernel,omitempty"`
	Arch           Arch   `yaml:"Arch,omitempty"`
}

// Block is one Kernel.Block[*] entry: a prelinked-only neutralization.
type Block struct {
	Identifier string `yaml:"Identifier"`
	Enabled    bool   `yaml:"Enabled"`
	MinKernel  string `yaml:"MinKernel,omitempty"`
	MaxKernel  string `yaml:"MaxKernel,omitempty"`
	Arch       Arch   `yaml:"Arch,omitempty"`
	Comment    string `yaml:"Comment,omitempty"`
}

// Patch is one Kernel.Patch[*] byte-pattern patch.
type Patch struct {
	Enabled      bool   `yaml:"Enabled"`
	Target       string `yaml:"Target"` // "Kernel" or an extension identifier
	Comment      string `yaml:"Comment,omitempty"`
	Base         string `yaml:"Base,omitempty"` // symbolic base, optional
	Find         []byte `yaml:"Find,omitempty"`
	Replace      []byte `yaml:"Replace"`
	Mask         []byte `yaml:"Mask,omitempty"`
	ReplaceMask  []byte `yaml:"ReplaceMask,omitempty"`
	Count        int    `yaml:"Count,omitempty"` // 0 = unbounded
	Skip         int    `yaml:"Skip,omitempty"`
	Limit        uint32 `yaml:"Limit,omitempty"` // 0 = no limit
	MinKernel    string `yaml:"MinKernel,omitempty"`
	MaxKernel    string `yaml:"MaxKernel,omitempty"`
	Arch         Arch   `yaml:"Arch,omitempty"`
}

// IsKernelTarget reports whether the patch targets the kernel image itself
// rather than a specific extension identifier.
func (p Patch) IsKernelTarget() bool {
	return p.Target == "" || p.Target == "Kernel" || p.Target == "kernel"
}

// Quirks is the fixed enumeration of named boolean toggles, Kernel.Quirks.*.
type Quirks struct {
	AppleCPUPMCFGLock    bool `yaml:"AppleCpuPmCfgLock"`
	AppleXcpmCFGLock     bool `yaml:"AppleXcpmCfgLock"`
	AppleXcpmExtraMSRs   bool `yaml:"AppleXcpmExtraMsrs"`
	AppleXcpmForceBoost  bool `yaml:"AppleXcpmForceBoost"`
	CustomSMBIOSGUID     bool `yaml:"CustomSMBIOSGuid"`
	CustomSMBIOSGUID2    bool `yaml:"CustomSMBIOSGuid2"`
	DisableIOMapper      bool `yaml:"DisableIoMapper"`
	DummyPowerManagement bool `yaml:"DummyPowerManagement"`
	LapicPanic           bool `yaml:"LapicKernelPanic"`
	NoKextDump           bool `yaml:"DisableLinkeditJettison"`
	PanicNoKextDump      bool `yaml:"PanicNoKextDump"`
	PowerTimeoutPanic    bool `yaml:"PowerTimeoutKernelPanic"`
	PCIBARSize           bool `yaml:"IncreasePciBarSize"`
	RTCChecksum          bool `yaml:"DisableRtcChecksum"`
	XHCIPortLimit1       bool `yaml:"XhciPortLimit1"`
	XHCIPortLimit2       bool `yaml:"XhciPortLimit2"`
	XHCIPortLimit3       bool `yaml:"XhciPortLimit3"`
}

// Emulate is Kernel.Emulate.*: synthetic CPUID-1 leaf data.
type Emulate struct {
	Cpuid1Data [16]byte `yaml:"Cpuid1Data,omitempty"`
	Cpuid1Mask [16]byte `yaml:"Cpuid1Mask,omitempty"`
}

// HasCPUIDOverride reports whether any byte of Cpuid1Data is non-zero,
// matching the literal gate in the kernel-mode patch engine.
func (e Emulate) HasCPUIDOverride() bool {
	for _, b := range e.Cpuid1Data {
		if b != 0 {
			return true
		}
	}
	return false
}

// SecureBootModel is Misc.Security.SecureBootModel.
type SecureBootModel string

// SecureBootDisabled suppresses digest capture; an empty model does too.
const SecureBootDisabled SecureBootModel = "Disabled"

// Security is Misc.Security, as far as this core cares.
type Security struct {
	SecureBootModel SecureBootModel `yaml:"SecureBootModel"`
}

// DigestRequired reports whether the kernel reader should capture a SHA-384.
func (s Security) DigestRequired() bool {
	return s.SecureBootModel != SecureBootDisabled && s.SecureBootModel != ""
}

// Kernel is the Kernel.* root consulted by this core.
type Kernel struct {
	Scheme  KernelScheme `yaml:"Scheme"`
	Force   []Extension  `yaml:"Force"`
	Add     []Extension  `yaml:"Add"`
	Block   []Block      `yaml:"Block"`
	Patch   []Patch      `yaml:"Patch"`
	Quirks  Quirks       `yaml:"Quirks"`
	Emulate Emulate      `yaml:"Emulate"`
}

// Misc is the Misc.* root consulted by this core.
type Misc struct {
	Security Security `yaml:"Security"`
}

// Config is the full borrowed, read-only configuration.
type Config struct {
	Kernel Kernel `yaml:"Kernel"`
	Misc   Misc   `yaml:"Misc"`
}

// Dump re-marshals cfg as YAML for startup diagnostics. It never fails on
// a well-formed Config; the error return exists for io.Writer failures.
func Dump(w io.Writer, cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config.Dump: marshal: %w", err)
	}
	_, err = w.Write(out)
	return err
}
