package diskio

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// PartialSuffix is appended to a destination while it is being written.
const PartialSuffix = ".partial"

type Posix struct {
	// Root, when set, is prefixed to relative paths.
	Root string
}

func (p *Posix) resolve(path string) string {
	if p.Root != "" && !filepath.IsAbs(path) {
		return filepath.Join(p.Root, path)
	}
	return path
}

func (p *Posix) OpenForWrite(ctx context.Context, path string) (WriteHandle, error) {
	final := p.resolve(path)
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return nil, errors.Wrapf(err, "unable to create directory for %s", final)
	}
	f, err := os.OpenFile(final+PartialSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create %s", final)
	}
	return &posixWriter{file: f, final: final}, nil
}

func (p *Posix) OpenForRead(ctx context.Context, path string) (ReadHandle, error) {
	name := p.resolve(path)
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", name)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "unable to stat %s", name)
	}
	if info.IsDir() {
		f.Close()
		return nil, errors.Errorf("%s is a directory", name)
	}
	return &posixReader{File: f, size: info.Size()}, nil
}

type posixWriter struct {
	file  *os.File
	final string
}

func (w *posixWriter) WriteAt(p []byte, off int64) error {
	if _, err := w.file.WriteAt(p, off); err != nil {
		return errors.Wrapf(err, "write %s at %d", w.final, off)
	}
	return nil
}

// flush, close and move the partial file to its final name
func (w *posixWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return errors.Wrapf(err, "sync %s", w.final)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return errors.Wrapf(err, "close %s", w.final)
	}
	if err := os.Rename(w.file.Name(), w.final); err != nil {
		os.Remove(w.file.Name())
		return errors.Wrapf(err, "rename %s", w.final)
	}
	return nil
}

func (w *posixWriter) Abort() error {
	w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove partial %s", w.final)
	}
	return nil
}

type posixReader struct {
	*os.File
	size int64
}

func (r *posixReader) Size() int64 { return r.size }
