package cacheless

import (
	"io"
	"io/fs"
	"os"

	"github.com/a8m/tree"
)

// overlayFS adapts an fs.ReadDirFS to the path-keyed Stat/ReadDir shape
// a8m/tree's Options.Fs expects.
type overlayFS struct {
	root fs.ReadDirFS
}

func (o overlayFS) Stat(path string) (os.FileInfo, error) {
	return fs.Stat(o.root, path)
}

func (o overlayFS) ReadDir(path string) ([]string, error) {
	entries, err := fs.ReadDir(o.root, path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// DumpOverlay writes a human-readable tree listing of the synthetic
// overlay rooted at root to w, for diagnosing what the cacheless context
// is currently presenting in place of the real extensions directory.
func DumpOverlay(w io.Writer, root string, overlay fs.ReadDirFS) {
	opts := &tree.Options{Fs: overlayFS{root: overlay}, OutFile: w, DirSort: true}
	node := tree.New(root)
	node.Visit(opts)
	node.Print(opts)
}
