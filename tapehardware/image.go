package tapehardware

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	tlvcore "github.com/spectralogic/go-core/tlv"

	"ltfs-xfer/errcode"
)

// A cartridge image is a flat file of TLV records. Each tape file is a
// header record carrying its fseq, any number of block records and a file
// mark record. The block id of a file is the byte offset of its header.
const (
	tagFileHeader tlvcore.Tag = ('f'<<8 | 'h')
	tagBlock      tlvcore.Tag = ('b'<<8 | 'k')
	tagFileMark   tlvcore.Tag = ('f'<<8 | 'm')

	headerSize   = 32
	fseqDataSize = 8
)

// head position inside the file currently being read
type readCursor struct {
	valid   bool
	pos     TapePosition
	logical int64 // file offset of the first byte of the current record
	dataOff int64 // image offset of the current record payload
	dataLen int64 // payload length, -1 once the file mark is reached
}

type writeState struct {
	pos     TapePosition
	written int64
	records int
}

type ImageDevice struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	eod     TapePosition
	cursor  readCursor
	writing *writeState
	locates int
}

// CreateImage creates an empty cartridge image, replacing any existing one.
func CreateImage(path string) (*ImageDevice, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create tape image %s", path)
	}
	return &ImageDevice{path: path, file: f, eod: TapePosition{FSeq: 1}}, nil
}

// OpenImage opens an existing image and scans it for the end of data.
func OpenImage(path string) (*ImageDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open tape image %s", path)
	}
	d := &ImageDevice{path: path, file: f, eod: TapePosition{FSeq: 1}}
	if err := d.scan(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// walk the records to find the last complete file
func (d *ImageDevice) scan() error {
	var offset int64
	var fseq uint64
	inFile := false
	for {
		tag, size, err := d.readHeader(offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tag {
		case tagFileHeader:
			if fseq, err = d.readFSeq(offset, size); err != nil {
				return err
			}
			inFile = true
		case tagBlock:
			if !inFile {
				return errors.Errorf("block record outside a file at offset %d in %s", offset, d.path)
			}
		case tagFileMark:
			inFile = false
			d.eod = TapePosition{FSeq: fseq + 1, BlockID: uint64(offset) + headerSize}
		default:
			return errors.Errorf("unknown record tag %d at offset %d in %s", tag, offset, d.path)
		}
		offset += headerSize + int64(size)
	}
	// an unterminated trailing file is overwritten by the next append
	return nil
}

func (d *ImageDevice) readHeader(offset int64) (tlvcore.Tag, uint64, error) {
	header := make([]byte, headerSize)
	n, err := d.file.ReadAt(header, offset)
	if n == 0 && err == io.EOF {
		return 0, 0, io.EOF
	}
	if err != nil {
		return 0, 0, errors.Wrapf(err, "unable to read record header at offset %d", offset)
	}
	tag, size, _, err := tlvcore.DecodeHeader(header)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "unable to decode record header at offset %d", offset)
	}
	return tag, size, nil
}

func (d *ImageDevice) readFSeq(offset int64, size uint64) (uint64, error) {
	if size != fseqDataSize {
		return 0, errors.Errorf("file header at offset %d has size %d", offset, size)
	}
	data := make([]byte, fseqDataSize)
	if _, err := d.file.ReadAt(data, offset+headerSize); err != nil {
		return 0, errors.Wrapf(err, "unable to read file header at offset %d", offset)
	}
	return binary.BigEndian.Uint64(data), nil
}

func (d *ImageDevice) writeRecord(offset int64, tag tlvcore.Tag, data []byte) error {
	header := make([]byte, headerSize)
	if _, err := tlvcore.EncodeHeader(tag, data, header); err != nil {
		return errors.Wrap(err, "unable to encode record header")
	}
	if _, err := d.file.WriteAt(header, offset); err != nil {
		return errors.Wrapf(err, "unable to write record header at offset %d", offset)
	}
	if len(data) > 0 {
		if _, err := d.file.WriteAt(data, offset+headerSize); err != nil {
			return errors.Wrapf(err, "unable to write record at offset %d", offset)
		}
	}
	return nil
}

// position the head on the header of pos and check it is the expected file
func (d *ImageDevice) locate(pos TapePosition) error {
	d.locates++
	d.cursor = readCursor{}
	tag, size, err := d.readHeader(int64(pos.BlockID))
	if err == io.EOF {
		return errcode.New(errcode.TapePosition, "position "+pos.String()+" is past end of data")
	}
	if err != nil {
		return errcode.Wrap(err, errcode.TapePosition, "locate "+pos.String())
	}
	if tag != tagFileHeader {
		return errcode.New(errcode.TapePosition, "no file header at "+pos.String())
	}
	fseq, err := d.readFSeq(int64(pos.BlockID), size)
	if err != nil {
		return errcode.Wrap(err, errcode.TapePosition, "locate "+pos.String())
	}
	if fseq != pos.FSeq {
		return errcode.Wrapf(errors.Errorf("found fseq %d", fseq), errcode.TapePosition, "locate %s", pos)
	}
	// treat the fseq payload as a record ending at file offset 0
	d.cursor = readCursor{
		valid:   true,
		pos:     pos,
		logical: -fseqDataSize,
		dataOff: int64(pos.BlockID) + headerSize,
		dataLen: fseqDataSize,
	}
	return nil
}

// move the cursor to the record following the current one
func (d *ImageDevice) advance() error {
	next := d.cursor.dataOff + d.cursor.dataLen
	tag, size, err := d.readHeader(next)
	if err == io.EOF {
		return errcode.New(errcode.TapeRead, "file "+d.cursor.pos.String()+" has no file mark")
	}
	if err != nil {
		return errcode.Wrap(err, errcode.TapeRead, "read "+d.cursor.pos.String())
	}
	d.cursor.logical += d.cursor.dataLen
	switch tag {
	case tagBlock:
		d.cursor.dataOff = next + headerSize
		d.cursor.dataLen = int64(size)
	case tagFileMark:
		d.cursor.dataOff = next + headerSize
		d.cursor.dataLen = -1
	default:
		d.cursor.valid = false
		return errcode.New(errcode.TapeRead, "unexpected record inside file "+d.cursor.pos.String())
	}
	return nil
}

func (d *ImageDevice) ReadAt(pos TapePosition, off int64, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cursor.valid || d.cursor.pos != pos || off < d.cursor.logical {
		if err := d.locate(pos); err != nil {
			return 0, err
		}
	}
	n := 0
	for n < len(buf) {
		if d.cursor.dataLen < 0 {
			return n, io.EOF
		}
		rel := off + int64(n) - d.cursor.logical
		if rel >= d.cursor.dataLen {
			if err := d.advance(); err != nil {
				return n, err
			}
			continue
		}
		want := d.cursor.dataLen - rel
		if remaining := int64(len(buf) - n); remaining < want {
			want = remaining
		}
		got, err := d.file.ReadAt(buf[n:n+int(want)], d.cursor.dataOff+rel)
		n += got
		if err != nil {
			d.cursor.valid = false
			return n, errcode.Wrap(err, errcode.TapeRead, "read "+pos.String())
		}
	}
	return n, nil
}

func (d *ImageDevice) startFile(pos TapePosition) error {
	if pos != d.eod {
		return errcode.Wrapf(errors.Errorf("end of data is %s", d.eod), errcode.TapePosition, "write at %s", pos)
	}
	// drop whatever an interrupted append left behind
	if err := d.file.Truncate(int64(pos.BlockID)); err != nil {
		return errcode.Wrap(err, errcode.TapeWrite, "write "+pos.String())
	}
	data := make([]byte, fseqDataSize)
	binary.BigEndian.PutUint64(data, pos.FSeq)
	if err := d.writeRecord(int64(pos.BlockID), tagFileHeader, data); err != nil {
		return errcode.Wrap(err, errcode.TapeWrite, "write "+pos.String())
	}
	d.writing = &writeState{pos: pos}
	d.cursor.valid = false
	return nil
}

// append offset of the next record of the file being written
func (d *ImageDevice) appendOffset() int64 {
	return int64(d.writing.pos.BlockID) + headerSize + fseqDataSize + int64(d.writing.records)*headerSize + d.writing.written
}

func (d *ImageDevice) WriteAt(pos TapePosition, off int64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writing == nil || d.writing.pos != pos {
		if off != 0 {
			return errcode.New(errcode.TapePosition, "write at "+pos.String()+" does not start a file")
		}
		if err := d.startFile(pos); err != nil {
			return err
		}
	}
	if off != d.writing.written {
		return errcode.Wrapf(errors.Errorf("expected offset %d, got %d", d.writing.written, off),
			errcode.TapeWrite, "write %s", pos)
	}
	if len(buf) == 0 {
		return nil
	}
	if err := d.writeRecord(d.appendOffset(), tagBlock, buf); err != nil {
		d.writing = nil
		return errcode.Wrap(err, errcode.TapeWrite, "write "+pos.String())
	}
	d.writing.written += int64(len(buf))
	d.writing.records++
	return nil
}

func (d *ImageDevice) WriteFileMark(pos TapePosition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writing == nil || d.writing.pos != pos {
		if err := d.startFile(pos); err != nil {
			return err
		}
	}
	offset := d.appendOffset()
	d.writing = nil
	if err := d.writeRecord(offset, tagFileMark, nil); err != nil {
		return errcode.Wrap(err, errcode.TapeWrite, "file mark "+pos.String())
	}
	d.eod = TapePosition{FSeq: pos.FSeq + 1, BlockID: uint64(offset) + headerSize}
	return nil
}

func (d *ImageDevice) EndOfData() TapePosition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eod
}

func (d *ImageDevice) Locates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locates
}

func (d *ImageDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
