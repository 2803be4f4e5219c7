package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Workspace hands out one private scratch directory per pipeline invocation.
// Concurrent invocations never share a directory, even for the same item.
type Workspace struct {
	root string
}

// NewWorkspace creates root if needed. An empty root uses the OS temp dir.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string { return w.root }

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Open creates a fresh directory for id. release removes it recursively and
// must be called on every exit path.
func (w *Workspace) Open(id string) (dir string, release func() error, err error) {
	dir, err = os.MkdirTemp(w.root, "item-"+unsafeName.ReplaceAllString(id, "_")+"-")
	if err != nil {
		return "", nil, err
	}
	return dir, func() error { return os.RemoveAll(dir) }, nil
}
