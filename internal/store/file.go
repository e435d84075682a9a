package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const snapshotExt = ".json"

// FileStore writes <dir>/<sender>.json through a temp file, fsync and rename.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(sender string) string {
	return filepath.Join(s.dir, sender+snapshotExt)
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func (s *FileStore) Replace(sender string, data []byte) error {
	if err := ValidateSender(sender); err != nil {
		return err
	}
	dst := s.path(sender)
	f, err := os.CreateTemp(s.dir, "."+sender+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := syncFile(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	syncDir(dst)
	return nil
}

func (s *FileStore) Get(sender string) (Snapshot, error) {
	if err := ValidateSender(sender); err != nil {
		return Snapshot{}, err
	}
	p := s.path(sender)
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, sender)
		}
		return Snapshot{}, err
	}
	snap := Snapshot{Sender: sender, Data: data}
	if fi, err := os.Stat(p); err == nil {
		snap.UpdatedAt = fi.ModTime()
	}
	return snap, nil
}

// List returns every stored snapshot ordered by sender. Unreadable entries
// are skipped.
func (s *FileStore) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		snap, err := s.Get(strings.TrimSuffix(name, snapshotExt))
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sender < out[j].Sender })
	return out, nil
}

func (s *FileStore) Delete(sender string) error {
	if err := ValidateSender(sender); err != nil {
		return err
	}
	err := os.Remove(s.path(sender))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, sender)
	}
	return err
}

func (s *FileStore) Close() error {
	return nil
}
