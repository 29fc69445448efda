// Package pipeline runs one transfer session: the batch injector, the
// ordered device worker, the disk worker pool and the outcome reporter
// around a fixed memory block pool.
package pipeline

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"ltfs-xfer/task"
)

// Config is what a session needs to size itself.
type Config struct {
	NumberOfBlocks   int            `mapstructure:"numberofblocks" validate:"min=1"`
	BlockSize        int            `mapstructure:"blocksize" validate:"min=1"`
	DiskWorkers      int            `mapstructure:"diskworkers" validate:"min=1"`
	MaxFilesPerBatch int            `mapstructure:"maxfilesperbatch" validate:"min=1"`
	MaxBytesPerBatch int64          `mapstructure:"maxbytesperbatch" validate:"min=0"`
	ReportBatchSize  int            `mapstructure:"reportbatchsize" validate:"min=0"`
	Direction        task.Direction `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		NumberOfBlocks:   64,
		BlockSize:        1 << 20,
		DiskWorkers:      4,
		MaxFilesPerBatch: 100,
		MaxBytesPerBatch: 10 << 30,
		ReportBatchSize:  50,
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid session config")
	}
	if c.Direction != task.Recall && c.Direction != task.Migration {
		return errors.Errorf("invalid session direction %d", c.Direction)
	}
	return nil
}

// requestThreshold is the pending task count under which the device worker
// asks for more work.
func (c Config) requestThreshold() int {
	if t := c.MaxFilesPerBatch / 2; t > 1 {
		return t
	}
	return 1
}
