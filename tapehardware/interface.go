// interface each tape library combination needs to adhere to
package tapehardware

import (
	"fmt"
)

type TapeLibrary interface {
	Audit() ([]TapeDrive, []TapeCartridge)
	Load(TapeCartridge, TapeDrive) bool
	Unload(TapeDrive) bool
}
type TapeDrive interface {
	Mount() (TapeDevice, error)
	Unmount()
	GetCart() (TapeCartridge, bool)
	Name() string
}
type TapeCartridge interface {
	Name() string
}

// TapePosition addresses one file on a cartridge: its file sequence number
// and the block id where its header starts.
type TapePosition struct {
	FSeq    uint64 `json:"fseq"`
	BlockID uint64 `json:"blockId"`
}

func (p TapePosition) String() string {
	return fmt.Sprintf("%d:%d", p.FSeq, p.BlockID)
}

// TapeDevice is a mounted cartridge. Only one goroutine drives it at a time.
//
// ReadAt reads the data of the file at pos starting at byte off; it returns
// io.EOF once the file mark is reached. Reads at increasing offsets of the
// same file continue from the head position without repositioning.
//
// WriteAt appends to the file being written at pos, which must be the
// current end of data; off must equal the bytes written so far. WriteFileMark
// closes that file and moves the end of data past it.
type TapeDevice interface {
	ReadAt(pos TapePosition, off int64, buf []byte) (int, error)
	WriteAt(pos TapePosition, off int64, buf []byte) error
	WriteFileMark(pos TapePosition) error
	EndOfData() TapePosition
	// Locates is the number of head repositionings done so far.
	Locates() int
	Close() error
}

// find a cartridge or a drive by the name the library reports
func FindCartridge(carts []TapeCartridge, name string) (TapeCartridge, bool) {
	for _, c := range carts {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

func FindDrive(drives []TapeDrive, name string) (TapeDrive, bool) {
	for _, d := range drives {
		if d.Name() == name {
			return d, true
		}
	}
	return nil, false
}
