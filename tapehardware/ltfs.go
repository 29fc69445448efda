package tapehardware

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"ltfs-xfer/errcode"
)

const BlockSuffix = ".blk"

// LTFSDevice maps tape files onto an LTFS mount point, one file per fseq.
// LTFS keeps the data of a file contiguous on the medium so the file name is
// all that is needed to position; the block id is always zero.
type LTFSDevice struct {
	mu         sync.Mutex
	mountPoint string
	reading    *os.File
	readFSeq   uint64
	writing    *os.File
	writeFSeq  uint64
	written    int64
	nextFSeq   uint64
	locates    int
}

func NewLTFSDevice(mountPoint string) (*LTFSDevice, error) {
	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read mount point %s", mountPoint)
	}
	d := &LTFSDevice{mountPoint: mountPoint, nextFSeq: 1}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), BlockSuffix) {
			continue
		}
		fseq, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), BlockSuffix), 10, 64)
		if err != nil {
			continue
		}
		if fseq >= d.nextFSeq {
			d.nextFSeq = fseq + 1
		}
	}
	return d, nil
}

func (d *LTFSDevice) fileName(fseq uint64) string {
	return filepath.Join(d.mountPoint, fmt.Sprintf("%010d%s", fseq, BlockSuffix))
}

func (d *LTFSDevice) ReadAt(pos TapePosition, off int64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reading == nil || d.readFSeq != pos.FSeq {
		if d.reading != nil {
			d.reading.Close()
			d.reading = nil
		}
		d.locates++
		f, err := os.Open(d.fileName(pos.FSeq))
		if err != nil {
			return 0, errcode.Wrap(err, errcode.TapePosition, "locate "+pos.String())
		}
		d.reading, d.readFSeq = f, pos.FSeq
	}
	n, err := d.reading.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, errcode.Wrap(err, errcode.TapeRead, "read "+pos.String())
	}
	return n, err
}

func (d *LTFSDevice) WriteAt(pos TapePosition, off int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writing == nil || d.writeFSeq != pos.FSeq {
		if err := d.startFile(pos, off); err != nil {
			return err
		}
	}
	if off != d.written {
		return errcode.Wrapf(errors.Errorf("expected offset %d, got %d", d.written, off), errcode.TapeWrite, "write %s", pos)
	}
	n, err := d.writing.Write(buf)
	d.written += int64(n)
	if err != nil {
		return errcode.Wrap(err, errcode.TapeWrite, "write "+pos.String())
	}
	return nil
}

func (d *LTFSDevice) startFile(pos TapePosition, off int64) error {
	if off != 0 || pos.FSeq != d.nextFSeq || pos.BlockID != 0 {
		return errcode.New(errcode.TapePosition, "write at "+pos.String()+" is not at end of data")
	}
	f, err := os.OpenFile(d.fileName(pos.FSeq), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errcode.Wrap(err, errcode.TapeWrite, "create "+pos.String())
	}
	d.writing, d.writeFSeq, d.written = f, pos.FSeq, 0
	return nil
}

func (d *LTFSDevice) WriteFileMark(pos TapePosition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writing == nil || d.writeFSeq != pos.FSeq {
		if err := d.startFile(pos, 0); err != nil {
			return err
		}
	}
	f := d.writing
	d.writing = nil
	d.nextFSeq = pos.FSeq + 1
	if err := f.Sync(); err != nil {
		f.Close()
		return errcode.Wrap(err, errcode.TapeWrite, "file mark "+pos.String())
	}
	return errcode.Wrap(f.Close(), errcode.TapeWrite, "file mark "+pos.String())
}

func (d *LTFSDevice) EndOfData() TapePosition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return TapePosition{FSeq: d.nextFSeq}
}

func (d *LTFSDevice) Locates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locates
}

func (d *LTFSDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.reading != nil {
		err = d.reading.Close()
		d.reading = nil
	}
	if d.writing != nil {
		d.writing.Close()
		d.writing = nil
	}
	return err
}
