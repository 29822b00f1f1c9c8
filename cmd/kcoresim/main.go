// Command kcoresim is a standalone harness for exercising the kernel-boot
// interception core against a real directory tree standing in for the EFI
// firmware volume: it builds a session and a full set of simulated
// collaborators, opens one intercepted path through intercept.Core, and
// prints a diagnostic report of what happened.
package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/mattn/go-runewidth"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/kextveil/kernelcore/cacheless"
	"github.com/kextveil/kernelcore/config"
	"github.com/kextveil/kernelcore/intercept"
	"github.com/kextveil/kernelcore/kernelerr"
	"github.com/kextveil/kernelcore/kernelio"
	"github.com/kextveil/kernelcore/metrics"
	"github.com/kextveil/kernelcore/session"
)

var (
	flagRoot   string
	flagConfig string
	flagPath   string
	flagArch   string
	flagFuzzy  bool
	flagVerbose bool
)

func defaultRoot() string {
	home, err := homedir.Dir()
	if err != nil {
		return "."
	}
	return home + "/.kcoresim/volume"
}

func loadConfig(path string) (config.Config, error) {
	var cfg config.Config
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func archFromFlag(s string) kernelio.Arch {
	if s == "i386" {
		return kernelio.Arch32
	}
	return kernelio.Arch64
}

func buildCollaborators(log *logrus.Entry, storage *osStorage, cfg config.Config) intercept.Collaborators {
	vfsHook := &simVFSHook{log: log}
	return intercept.Collaborators{
		Storage:         storage,
		Kernel:          &simKernelPrimitive{storage: storage, path: "System/Library/Kernels/kernel"},
		Mkext:           &simMkextPrimitive{storage: storage, path: "System/Library/Extensions.mkext"},
		Versions:        simVersionParser{},
		ArchOracle:      simArchPreferenceOracle{pref: archFromFlag(flagArch)},
		SixtyFourOracle: simSixtyFourOracle{supports: true},
		Patcher:         simPatcher{},
		CPUIDEditor:     simCPUIDEditor{log: log},
		DigestSink:      simDigestSink{log: log},
		VFSHook:         vfsHook,
		LinkedExpansion: linkedExpansion,

		ApplyKernelQuirk: func(name string, handle kernelio.PatcherHandle) error {
			log.WithField("quirk", name).Debug("kernel quirk applied")
			return nil
		},

		PrelinkedSizeReserver: newSimSizeReserver(),
		MkextSizeReserver:     newSimSizeReserver(),
		CachelessSizeReserver: newSimSizeReserver(),

		NewPrelinkedContext: func(kernel []byte) (kernelio.PrelinkedContext, error) {
			return newPrelinkedSimContext(log, kernel), nil
		},
		NewMkextContext: func(archive []byte) (kernelio.MkextContext, error) {
			return newMkextSimContext(log, archive), nil
		},
		NewCachelessContext: func(overlayName string, real fs.ReadDirFS, osVersion uint32) (kernelio.CachelessContext, error) {
			return newCachelessSimContext(log, overlayName, osVersion), nil
		},

		RealExtensionsDir: storage,
	}
}

func printReport(w *os.File, path string, res intercept.Result, openErr error, m *metrics.Registry) {
	rows := [][2]string{{"path", path}}
	switch {
	case openErr != nil:
		kind, _ := kernelerr.KindOf(openErr)
		rows = append(rows, [2]string{"result", "error"}, [2]string{"kind", kind.String()}, [2]string{"detail", openErr.Error()})
	case res.File != nil:
		info, _ := res.File.Stat()
		rows = append(rows, [2]string{"result", "file"})
		if info != nil {
			rows = append(rows, [2]string{"size", fmt.Sprintf("%d", info.Size())})
		}
	case res.Dir != nil:
		rows = append(rows, [2]string{"result", "directory"})
	}

	if res.Dir != nil {
		defer func() {
			fmt.Fprintln(w, "--- overlay ---")
			cacheless.DumpOverlay(w, "System/Library/Extensions", res.Dir)
		}()
	}

	width := 0
	for _, r := range rows {
		if w := runewidth.StringWidth(r[0]); w > width {
			width = w
		}
	}
	for _, r := range rows {
		pad := width - runewidth.StringWidth(r[0])
		fmt.Fprintf(w, "%s%*s  %s\n", r[0], pad, "", r[1])
	}

	fmt.Fprintln(w, "--- metrics ---")
	_ = m.Gather(w)
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := log.WithField("component", "kcoresim")

	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}
	cfg.Kernel.Scheme.FuzzyMatch = cfg.Kernel.Scheme.FuzzyMatch || flagFuzzy

	storage := newOSStorage(flagRoot)
	cpu := kernelio.DetectCPUInfo()
	sess := session.New(cfg, storage, cpu, archFromFlag(flagArch), log)

	m := metrics.New()
	core := intercept.New(entry, m)
	col := buildCollaborators(entry, storage, cfg)

	res, err := core.Open(sess, flagPath, col)
	if err != nil {
		if kind, ok := kernelerr.KindOf(err); ok && kind == kernelerr.NotFound {
			if retried, retryErr := core.LocateFuzzyKernelcache(sess, flagPath, col); retryErr == nil {
				res, err = retried, nil
			}
		}
	}

	printReport(os.Stdout, flagPath, res, err, m)
	if err != nil {
		return err
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "kcoresim",
		Short: "Simulate one intercepted file open against a firmware-volume directory tree",
		RunE:  run,
	}
	root.Flags().StringVar(&flagRoot, "root", defaultRoot(), "directory standing in for the EFI firmware volume")
	root.Flags().StringVar(&flagConfig, "config", "", "path to a YAML config matching the Kernel/Misc schema")
	root.Flags().StringVar(&flagPath, "path", "System/Library/Kernels/kernel", "firmware-volume-relative path to open")
	root.Flags().StringVar(&flagArch, "arch", "x86_64", "architecture preference: x86_64 or i386")
	root.Flags().BoolVar(&flagFuzzy, "fuzzy", false, "force-enable fuzzy kernelcache matching for this run")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
