package attempt

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
)

// FileBacking stores the Snapshot as a JSON file.
//
// A missing file is an empty Snapshot. Writes go to a temporary file in the
// same directory which is renamed over the old one, so a crash never leaves a
// half-written file.
type FileBacking struct {
	Path string
}

var _ Backing = FileBacking{}

func (f FileBacking) Load() (*Snapshot, error) {
	const op = errors.Op("attempt_file_load")

	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSnapshot(), nil
		}
		return nil, errors.E(op, err)
	}
	if len(data) == 0 {
		return NewSnapshot(), nil
	}

	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, errors.E(op, errors.Errorf("parsing %s: %s", f.Path, err))
	}
	return snap, nil
}

func (f FileBacking) Save(snap *Snapshot) error {
	const op = errors.Op("attempt_file_save")

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.E(op, err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.E(op, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return errors.E(op, err)
	}
	defer os.Remove(tmp.Name()) // No-op after the rename.

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.E(op, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.E(op, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.E(op, err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// MemBacking keeps the Snapshot in memory.
type MemBacking struct {
	mu   sync.Mutex
	snap *Snapshot
	err  error
}

var _ Backing = (*MemBacking)(nil)

func (m *MemBacking) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.snap.clone(), nil
}

func (m *MemBacking) Save(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snap = snap.clone()
	return nil
}

// SetErr sets the error returned from Load and Save.
func (m *MemBacking) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (s *Snapshot) clone() *Snapshot {
	c := NewSnapshot()
	if s == nil {
		return c
	}
	for k, v := range s.Attempts {
		c.Attempts[k] = v
	}
	for k, v := range s.Blocks {
		c.Blocks[k] = v
	}
	return c
}
