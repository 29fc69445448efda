package task

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"ltfs-xfer/errcode"
	"ltfs-xfer/mempool"
)

type migrationShared struct {
	completion
	job       JobDescriptor
	blockSize int
	queue     *BlockQueue
	feed      *blockFeed
}

// DiskReadTask reads its file from disk into blocks pushed by the pool.
type DiskReadTask struct{ *migrationShared }

// TapeWriteTask appends the blocks of its DiskReadTask to tape at end of
// data and reports the outcome with the position the file landed at.
type TapeWriteTask struct{ *migrationShared }

func newMigrationPair(job JobDescriptor, blockSize, poolCapacity int) Pair {
	need := job.BlockCount(blockSize)
	shared := &migrationShared{
		job:       job,
		blockSize: blockSize,
		queue:     NewBlockQueue(need, poolCapacity),
	}
	pair := Pair{Device: TapeWriteTask{shared}, Disk: DiskReadTask{shared}}
	if need > 0 {
		shared.feed = newBlockFeed(need, poolCapacity)
		pair.Client = shared.feed
	}
	return pair
}

func (s *migrationShared) Job() JobDescriptor { return s.job }

func (t DiskReadTask) Execute(ctx context.Context, env DiskEnv) {
	job := t.job
	fail := func(f Failure) {
		if t.feed != nil {
			t.feed.cancel(env.Pool)
		}
		t.queue.CloseWithFailure(f)
		env.Logger.Error("Migration read of ", job.FileID, " from ", job.Path, " failed: ", f.Message)
	}

	// take the first block before opening so an open slot is never held
	// by a file still waiting on the pool
	var first *mempool.Block
	if t.feed != nil {
		b, ok := t.feed.next(ctx)
		if !ok {
			fail(Failure{Message: "memory pool closed", Code: errcode.Shutdown})
			return
		}
		first = b
	}
	release := func() {
		if first != nil {
			env.Pool.Release(first)
		}
	}

	handle, err := env.FS.OpenForRead(ctx, job.Path)
	if err != nil {
		release()
		fail(Failure{Message: err.Error(), Code: errcode.DiskOpen})
		return
	}
	defer handle.Close()
	if handle.Size() != job.Size {
		release()
		fail(Failure{Message: fmt.Sprintf("size on disk is %d, expected %d", handle.Size(), job.Size), Code: errcode.Incomplete})
		return
	}

	var off int64
	for seq := 0; off < job.Size; seq++ {
		b := first
		first = nil
		if b == nil {
			var ok bool
			if b, ok = t.feed.next(ctx); !ok {
				fail(Failure{Message: "memory pool closed", Code: errcode.Shutdown})
				return
			}
		}
		want := int64(t.blockSize)
		if remaining := job.Size - off; remaining < want {
			want = remaining
		}
		n, err := handle.ReadAt(b.Buffer()[:want], off)
		if int64(n) < want {
			env.Pool.Release(b)
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			fail(Failure{Message: err.Error(), Code: errcode.DiskRead})
			return
		}
		b.FileID = job.FileID
		b.Seq = seq
		b.SetUsed(n)
		t.queue.Push(b)
		off += int64(n)
	}
	t.queue.Close()
}

func (t TapeWriteTask) Execute(ctx context.Context, env DeviceEnv) {
	job := t.job
	job.Position = env.Device.EndOfData()

	var failure *Failure
	hash := sha1.New()
	var written int64
	for {
		b, ok := t.queue.Pop()
		if !ok {
			break
		}
		if failure == nil {
			if f, failed := b.Failed(); failed {
				failure = &Failure{Message: f.Message, Code: f.Code}
			} else if err := env.Device.WriteAt(job.Position, written, b.Bytes()); err != nil {
				f := FailureFrom(err, errcode.TapeWrite)
				failure = &f
			} else {
				hash.Write(b.Bytes())
				written += int64(b.Used())
				addBytes(env.Progress, Migration, b.Used())
			}
		}
		env.Pool.Release(b)
	}
	if f, ok := t.queue.Failure(); ok && failure == nil {
		failure = &f
	}
	// close the tape file even when partial so end of data stays consistent
	if err := env.Device.WriteFileMark(job.Position); err != nil && failure == nil {
		f := FailureFrom(err, errcode.TapeWrite)
		failure = &f
	}
	if failure == nil && written != job.Size {
		failure = &Failure{Message: fmt.Sprintf("wrote %d of %d bytes", written, job.Size), Code: errcode.Incomplete}
	}
	if failure != nil {
		env.Logger.Error("Migration of ", job.FileID, " to ", job.Position, " failed: ", failure.Message)
	}
	t.finish(env.Sink, job, failure, Success{BytesWritten: written, Checksum: hex.EncodeToString(hash.Sum(nil))})
}
