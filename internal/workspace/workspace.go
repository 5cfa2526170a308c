// Package workspace allocates the per-execution directories that hold
// submitted source code and are bind-mounted read-only into sandboxes.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Workspace is one execution's source directory.
type Workspace struct {
	ID string
	// Path is the directory as seen by this process.
	Path string
	// HostPath is the same directory as seen by the isolation runtime. It
	// differs from Path when the service itself runs in a container.
	HostPath string
	// Filename is the source file inside the directory.
	Filename string
}

// SourcePath returns the local path of the source file.
func (w *Workspace) SourcePath() string {
	return filepath.Join(w.Path, w.Filename)
}

// Manager creates and removes workspaces under a root directory.
type Manager struct {
	root     string
	hostRoot string
}

// NewManager creates the root directory if needed. hostRoot may be empty,
// in which case host paths equal local paths.
func NewManager(root, hostRoot string) (*Manager, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	if hostRoot == "" {
		hostRoot = root
	}
	return &Manager{root: root, hostRoot: hostRoot}, nil
}

// Root returns the local workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Create allocates a fresh directory named by a random id and writes code
// into filename inside it. On failure nothing is left behind.
func (m *Manager) Create(code, filename string) (*Workspace, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, fmt.Errorf("invalid source filename %q", filename)
	}

	id := uuid.NewString()
	dir := filepath.Join(m.root, id)

	// Mkdir, not MkdirAll: an existing directory must never be reused.
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	ws := &Workspace{
		ID:       id,
		Path:     dir,
		HostPath: filepath.Join(m.hostRoot, id),
		Filename: filename,
	}

	if err := os.WriteFile(ws.SourcePath(), []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing source file: %w", err)
	}
	return ws, nil
}

// Destroy removes the workspace recursively. Removing an already removed
// workspace is not an error.
func (m *Manager) Destroy(ws *Workspace) error {
	if ws == nil || ws.ID == "" {
		return nil
	}
	dir := filepath.Join(m.root, ws.ID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", ws.ID, err)
	}
	return nil
}

// Sweep removes every entry under the root. It is meant for startup, to
// reclaim workspaces left by a crashed process. It returns the number of
// entries removed.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("reading workspace root: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			return removed, fmt.Errorf("removing %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
