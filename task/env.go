package task

import (
	"context"

	"ltfs-xfer/diskio"
	"ltfs-xfer/mempool"
	"ltfs-xfer/tapehardware"
	"ltfs-xfer/utils"
)

// Progress is told about bytes as they move. It may be nil.
type Progress interface {
	AddBytes(d Direction, n int)
}

func addBytes(p Progress, d Direction, n int) {
	if p != nil {
		p.AddBytes(d, n)
	}
}

// DeviceEnv is what the tape side of a pair runs against.
type DeviceEnv struct {
	Pool     *mempool.Pool
	Device   tapehardware.TapeDevice
	Sink     OutcomeSink
	Logger   *utils.Logger
	Progress Progress
}

// DiskEnv is what the disk side of a pair runs against.
type DiskEnv struct {
	Pool     *mempool.Pool
	FS       diskio.FileSystem
	Sink     OutcomeSink
	Logger   *utils.Logger
	Progress Progress
}

// DeviceTask runs on the single device worker, in injection order.
type DeviceTask interface {
	Job() JobDescriptor
	State() State
	Execute(ctx context.Context, env DeviceEnv)
}

// DiskTask runs on any of the disk workers.
type DiskTask interface {
	Job() JobDescriptor
	State() State
	Execute(ctx context.Context, env DiskEnv)
}

// Pair is the two halves of one file transfer. Client, when set, must be
// registered with the pool in injection order before the pair is queued.
type Pair struct {
	Device DeviceTask
	Disk   DiskTask
	Client mempool.Client
}

// NewPair builds the tasks for job in its direction.
func NewPair(job JobDescriptor, blockSize, poolCapacity int) Pair {
	if job.Direction == Migration {
		return newMigrationPair(job, blockSize, poolCapacity)
	}
	return newRecallPair(job, blockSize, poolCapacity)
}
