// Package diskio is the disk side of a transfer: the destinations files are
// written to on recall and the sources they are read from on migration.
// Files are addressed by URL and the scheme selects the backend.
package diskio

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// WriteHandle is an open destination. Writes may arrive at any offset but
// some backends only accept them in increasing order without gaps. Close
// makes the file visible under its final name; Abort discards it.
type WriteHandle interface {
	WriteAt(p []byte, off int64) error
	Close() error
	Abort() error
}

type ReadHandle interface {
	io.ReaderAt
	Size() int64
	Close() error
}

type FileSystem interface {
	OpenForWrite(ctx context.Context, url string) (WriteHandle, error)
	OpenForRead(ctx context.Context, url string) (ReadHandle, error)
}

// Location is a parsed destination or source URL.
type Location struct {
	Scheme string // "file" or "s3"
	Bucket string
	Path   string // file path, or object key for s3
}

// ParseLocation accepts s3://bucket/key, file:///path and bare paths.
func ParseLocation(raw string) (Location, error) {
	if raw == "" {
		return Location{}, errors.New("empty location")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "file", Path: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, errors.Wrapf(err, "unable to parse location %q", raw)
	}
	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return Location{}, errors.Errorf("no path in %q", raw)
		}
		return Location{Scheme: "file", Path: u.Path}, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, errors.Errorf("s3 location %q needs a bucket and a key", raw)
		}
		return Location{Scheme: "s3", Bucket: u.Host, Path: key}, nil
	default:
		return Location{}, errors.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
}
