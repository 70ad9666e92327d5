// Package atomicfile writes files so that readers never see a partially
// written file: data goes to a temporary file in the destination directory
// which is synced and renamed over the destination in Close().
//
//	f, err := atomicfile.New(path)
//	if err != nil { ... }
//	defer f.RemoveIfNotClosed()
//	if _, err = f.Write(data); err != nil { ... }
//	return f.Close()
package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrCancelled is returned by calls after RemoveIfNotClosed()
	ErrCancelled = errors.New("cancelled")

	_ io.WriteCloser = &File{}
)

// File is a file that is atomically created on successful Close()
type File struct {
	dstPath string
	dir     string
	tmpFile *os.File
	tmpPath string
	// first error, returned by all subsequent calls
	err error
}

// New creates a temporary file next to path
func New(path string) (*File, error) {
	dir, name := filepath.Split(path)
	if name == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	tmpFile, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return nil, err
	}
	return &File{
		dstPath: path,
		dir:     dir,
		tmpFile: tmpFile,
		tmpPath: tmpFile.Name(),
	}, nil
}

// Write writes to the temporary file. On error the temporary file
// is removed and Close() will not create the destination.
func (f *File) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.tmpFile.Write(d)
	if err != nil {
		f.err = err
		_ = f.Close()
	}
	return n, err
}

func (f *File) closed() bool {
	return f.tmpFile == nil
}

// RemoveIfNotClosed removes the temporary file without creating the
// destination. Meant to be deferred; after Close() it's a no-op.
func (f *File) RemoveIfNotClosed() {
	if f == nil || f.closed() {
		return
	}
	f.err = ErrCancelled
	_ = f.Close()
}

// Close syncs the temporary file and renames it to the destination.
// It's safe to call multiple times, subsequent calls return the result
// of the first call.
func (f *File) Close() error {
	if f.closed() {
		return f.err
	}
	tmpFile := f.tmpFile
	f.tmpFile = nil

	errSync := tmpFile.Sync()
	errClose := tmpFile.Close()

	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(f.tmpPath)
		}
	}()

	if f.err != nil {
		return f.err
	}
	err := errSync
	if err == nil {
		err = errClose
	}
	if err == nil {
		err = os.Rename(f.tmpPath, f.dstPath)
		renamed = err == nil
	}
	if renamed {
		// make the rename durable, failure here is not fatal
		if d, _ := os.Open(f.dir); d != nil {
			_ = d.Sync()
			_ = d.Close()
		}
	}
	f.err = err
	return err
}

// WriteFile atomically writes data to path
func WriteFile(path string, data []byte) error {
	f, err := New(path)
	if err != nil {
		return err
	}
	defer f.RemoveIfNotClosed()
	if _, err = f.Write(data); err != nil {
		return err
	}
	return f.Close()
}
