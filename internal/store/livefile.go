package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// LiveFile is the daemon's on-disk configuration file.
type LiveFile struct {
	Path string
}

// Read returns the current content. A missing file reads as empty.
func (f *LiveFile) Read() ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, persistErr("read live config", err)
	}
	return data, nil
}

// Snapshot is the live file as it was at one point in time.
type Snapshot struct {
	Content []byte
	Exists  bool
}

// Snapshot captures the current content and whether the file exists.
func (f *LiveFile) Snapshot() (Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, persistErr("read live config", err)
	}
	return Snapshot{Content: data, Exists: true}, nil
}

// Restore puts the file back as snap recorded it, removing it if it did
// not exist.
func (f *LiveFile) Restore(snap Snapshot) error {
	if snap.Exists {
		return f.Write(snap.Content)
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistErr("remove live config", err)
	}
	return nil
}

// Write replaces the file atomically: a temp file in the same directory is
// written, synced and renamed over the target, then the directory is synced.
// On failure the previous file is untouched.
func (f *LiveFile) Write(content []byte) error {
	dir := filepath.Dir(f.Path)
	mode := fs.FileMode(0o644)
	if st, err := os.Stat(f.Path); err == nil {
		mode = st.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return persistErr("create temp config", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return persistErr("write temp config", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return persistErr("chmod temp config", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return persistErr("sync temp config", err)
	}
	if err := tmp.Close(); err != nil {
		return persistErr("close temp config", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return persistErr("rename config", err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		syncErr := d.Sync()
		d.Close()
		if syncErr != nil {
			return persistErr("sync config directory", syncErr)
		}
	}
	return nil
}
