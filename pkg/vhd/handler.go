package vhd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
)

// OpenMode selects how Handler.OpenFile opens a path.
type OpenMode int

const (
	// ModeReadWrite opens an existing file for reading and writing ('r+').
	ModeReadWrite OpenMode = iota
	// ModeExclusiveCreate creates a new file, failing if it already exists ('wx').
	ModeExclusiveCreate
)

// Handle is a positionally-addressable open file within a Handler's
// namespace.
type Handle interface {
	io.ReaderAt
	io.WriterAt
}

// ListOptions configures Handler.List.
type ListOptions struct {
	// IgnoreMissing makes List return an empty slice instead of an error
	// when dir does not exist.
	IgnoreMissing bool
	// PrependDir, when true, returns entries joined onto dir rather than as
	// bare names.
	PrependDir bool
	// Filter, when non-empty, is a glob pattern entries must match.
	Filter string
}

// Handler is the abstract byte-handler collaborator every VHD operation is
// built on: open/close, positional read/write, size, and namespace
// maintenance (list/unlink/rename). It is deliberately narrow — remote
// filesystem transport, compression, and archive formats are out of scope
// and live behind this same interface in other implementations.
type Handler interface {
	OpenFile(path string, mode OpenMode) (Handle, error)
	CloseFile(h Handle) error
	GetSize(path string) (int64, error)
	List(dir string, opts ListOptions) ([]string, error)
	Unlink(path string) error
	Rename(from, to string) error
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, flags int) error
}

// LocalHandler implements Handler against the local filesystem. It is the
// reference implementation used by tests and the cmd/vhdclean CLI; a
// remote-filesystem Handler is a drop-in replacement.
type LocalHandler struct{}

// NewLocalHandler returns a Handler backed by the local filesystem.
func NewLocalHandler() *LocalHandler {
	return &LocalHandler{}
}

type osHandle struct {
	f *os.File
}

func (h *osHandle) ReadAt(p []byte, off int64) (int, error)  { return h.f.ReadAt(p, off) }
func (h *osHandle) WriteAt(p []byte, off int64) (int, error) { return h.f.WriteAt(p, off) }

// OpenFile opens path in mode, returning a Handle the caller must release via
// CloseFile on every exit path (success, error, or cancellation).
func (l *LocalHandler) OpenFile(path string, mode OpenMode) (Handle, error) {
	var flag int
	switch mode {
	case ModeReadWrite:
		flag = os.O_RDWR
	case ModeExclusiveCreate:
		flag = os.O_RDWR | os.O_CREATE | os.O_EXCL
	default:
		return nil, fmt.Errorf("vhd: unknown open mode %d", mode)
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vhd: open %s: %w", path, err)
	}
	return &osHandle{f: f}, nil
}

// CloseFile releases a Handle previously returned by OpenFile.
func (l *LocalHandler) CloseFile(h Handle) error {
	oh, ok := h.(*osHandle)
	if !ok {
		return fmt.Errorf("vhd: CloseFile: not a LocalHandler handle")
	}
	return oh.f.Close()
}

// GetSize returns the current size in bytes of path.
func (l *LocalHandler) GetSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// List returns the paths of entries directly within dir, optionally filtered
// by a glob pattern.
func (l *LocalHandler) List(dir string, opts ListOptions) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if opts.IgnoreMissing && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var g glob.Glob
	if opts.Filter != "" {
		g, err = glob.Compile(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("vhd: bad filter pattern %q: %w", opts.Filter, err)
		}
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if g != nil && !g.Match(name) {
			continue
		}
		if opts.PrependDir {
			out = append(out, filepath.Join(dir, name))
		} else {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Unlink removes path.
func (l *LocalHandler) Unlink(path string) error {
	return os.Remove(path)
}

// Rename atomically moves from to to within the local filesystem.
func (l *LocalHandler) Rename(from, to string) error {
	return os.Rename(from, to)
}

// ReadFile reads the entirety of path into memory.
func (l *LocalHandler) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile durably writes data to path, creating or truncating it.
func (l *LocalHandler) WriteFile(path string, data []byte, flags int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
