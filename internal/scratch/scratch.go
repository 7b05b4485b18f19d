package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Manager allocates per-job scratch directories under a common root.
// Every job gets an exclusive directory; two jobs never share a path.
type Manager struct {
	root string
}

// NewManager creates a scratch manager rooted at dir. The root is created
// if it does not exist.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("scratch root directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &Manager{root: dir}, nil
}

// Root returns the scratch root directory.
func (m *Manager) Root() string { return m.root }

// Acquire creates an exclusive scratch directory for one job. It fails if
// a directory for the same job id already exists.
func (m *Manager) Acquire(jobID string) (*Space, error) {
	if jobID == "" {
		return nil, fmt.Errorf("scratch: empty job id")
	}
	dir := filepath.Join(m.root, jobID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("acquire scratch space for %s: %w", jobID, err)
	}
	return &Space{dir: dir}, nil
}

// Space is an exclusively owned scratch directory for a single job.
// Release removes everything under it and is safe to call more than once.
type Space struct {
	dir  string
	once sync.Once
	err  error
}

// Dir returns the directory backing this space.
func (s *Space) Dir() string { return s.dir }

// Path joins name onto the space directory.
func (s *Space) Path(name string) string { return filepath.Join(s.dir, name) }

// Release removes the scratch directory and all files under it. Repeated
// calls are no-ops returning the first result.
func (s *Space) Release() error {
	s.once.Do(func() {
		s.err = os.RemoveAll(s.dir)
	})
	return s.err
}
