// Package task holds the per-file units of work. Every file is handled by a
// pair of tasks sharing one BlockQueue: the tape side and the disk side.
package task

import (
	"strings"

	"github.com/pkg/errors"

	"ltfs-xfer/tapehardware"
)

type Direction int

const (
	// Recall moves a file from tape to disk.
	Recall Direction = iota
	// Migration moves a file from disk to tape.
	Migration
)

func (d Direction) String() string {
	switch d {
	case Recall:
		return "recall"
	case Migration:
		return "migration"
	default:
		return "unknown"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "recall":
		return Recall, nil
	case "migration", "migrate":
		return Migration, nil
	}
	return 0, errors.Errorf("unknown direction %q", s)
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// JobDescriptor describes one file transfer. It is never modified once the
// injector has received it.
type JobDescriptor struct {
	FileID    string                    `json:"fileId"`
	Position  tapehardware.TapePosition `json:"position"`
	Path      string                    `json:"path"`
	Size      int64                     `json:"size"`
	Direction Direction                 `json:"direction"`
}

// BlockCount is the number of blocks of blockSize the file occupies.
func (j JobDescriptor) BlockCount(blockSize int) int {
	if j.Size <= 0 {
		return 0
	}
	return int((j.Size + int64(blockSize) - 1) / int64(blockSize))
}

// BatchRequest asks the job source for the next batch. LastCall means an
// empty answer ends the session.
type BatchRequest struct {
	MaxFiles int
	MaxBytes int64
	LastCall bool
}
