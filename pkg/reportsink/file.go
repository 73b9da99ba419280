package reportsink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// File writes reports into a local directory.
type File struct {
	dir string
}

// NewFile returns a sink rooted at dir. The directory is created on first write.
func NewFile(dir string) *File {
	return &File{dir: dir}
}

// Write stores data atomically as dir/name.
func (f *File) Write(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) {
		return "", &SinkError{Op: "Write", Destination: f.dir, Err: fmt.Errorf("invalid report name %q", name)}
	}

	// #nosec G301 -- report directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return "", &SinkError{Op: "Write", Destination: f.dir, Err: fmt.Errorf("create report dir: %w", err)}
	}

	tmp, err := os.CreateTemp(f.dir, name+".tmp.*")
	if err != nil {
		return "", &SinkError{Op: "Write", Destination: f.dir, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", &SinkError{Op: "Write", Destination: f.dir, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return "", &SinkError{Op: "Write", Destination: f.dir, Err: fmt.Errorf("close temp file: %w", err)}
	}

	final := filepath.Join(f.dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		return "", &SinkError{Op: "Write", Destination: f.dir, Err: fmt.Errorf("rename report file: %w", err)}
	}
	return final, nil
}
