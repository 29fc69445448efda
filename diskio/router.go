package diskio

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"ltfs-xfer/utils"
)

// Router dispatches on the location scheme and caps the number of handles
// open at once across both backends.
type Router struct {
	posix *Posix
	s3    *S3
	open  *utils.Resource
}

// s3 may be nil when no s3 backend is configured.
func NewRouter(posix *Posix, s3 *S3, maxOpen int) *Router {
	if posix == nil {
		posix = &Posix{}
	}
	return &Router{posix: posix, s3: s3, open: utils.NewResource(maxOpen)}
}

func (r *Router) backend(raw string) (FileSystem, string, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, "", err
	}
	switch loc.Scheme {
	case "s3":
		if r.s3 == nil {
			return nil, "", errors.Errorf("no s3 backend configured for %q", raw)
		}
		return r.s3, raw, nil
	default:
		return r.posix, loc.Path, nil
	}
}

func (r *Router) OpenForWrite(ctx context.Context, raw string) (WriteHandle, error) {
	fs, name, err := r.backend(raw)
	if err != nil {
		return nil, err
	}
	unit, err := r.open.ReserveContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "waiting for an open handle")
	}
	h, err := fs.OpenForWrite(ctx, name)
	if err != nil {
		r.open.Release(unit)
		return nil, err
	}
	return &limitedWriter{WriteHandle: h, release: r.releaser(unit)}, nil
}

func (r *Router) OpenForRead(ctx context.Context, raw string) (ReadHandle, error) {
	fs, name, err := r.backend(raw)
	if err != nil {
		return nil, err
	}
	unit, err := r.open.ReserveContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "waiting for an open handle")
	}
	h, err := fs.OpenForRead(ctx, name)
	if err != nil {
		r.open.Release(unit)
		return nil, err
	}
	return &limitedReader{ReadHandle: h, release: r.releaser(unit)}, nil
}

func (r *Router) releaser(unit int) func() {
	var once sync.Once
	return func() { once.Do(func() { r.open.Release(unit) }) }
}

func (r *Router) Stop() {
	r.open.Stop()
}

type limitedWriter struct {
	WriteHandle
	release func()
}

func (w *limitedWriter) Close() error {
	defer w.release()
	return w.WriteHandle.Close()
}

func (w *limitedWriter) Abort() error {
	defer w.release()
	return w.WriteHandle.Abort()
}

type limitedReader struct {
	ReadHandle
	release func()
}

func (r *limitedReader) Close() error {
	defer r.release()
	return r.ReadHandle.Close()
}
