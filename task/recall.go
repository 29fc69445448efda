package task

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"ltfs-xfer/diskio"
	"ltfs-xfer/errcode"
	"ltfs-xfer/mempool"
	"ltfs-xfer/tapehardware"
)

type recallShared struct {
	completion
	job       JobDescriptor
	blockSize int
	queue     *BlockQueue
}

// TapeReadTask fills blocks from tape and hands them to its DiskWriteTask.
type TapeReadTask struct{ *recallShared }

// DiskWriteTask writes the blocks of its TapeReadTask to the destination
// and reports the outcome.
type DiskWriteTask struct{ *recallShared }

func newRecallPair(job JobDescriptor, blockSize, poolCapacity int) Pair {
	shared := &recallShared{
		job:       job,
		blockSize: blockSize,
		queue:     NewBlockQueue(job.BlockCount(blockSize), poolCapacity),
	}
	return Pair{Device: TapeReadTask{shared}, Disk: DiskWriteTask{shared}}
}

func (s *recallShared) Job() JobDescriptor { return s.job }

func (t TapeReadTask) Execute(ctx context.Context, env DeviceEnv) {
	job := t.job
	pos := job.Position

	// an empty file still has to be on tape where the job says
	if job.Size == 0 {
		if _, err := env.Device.ReadAt(pos, 0, nil); err != nil && err != io.EOF {
			t.queue.CloseWithFailure(FailureFrom(err, errcode.TapeRead))
			return
		}
		t.queue.Close()
		return
	}

	var off int64
	for seq := 0; off < job.Size; seq++ {
		b, err := env.Pool.Acquire(ctx)
		if err != nil {
			t.queue.CloseWithFailure(Failure{Message: "no memory block: " + err.Error(), Code: errcode.Shutdown})
			return
		}
		b.FileID = job.FileID
		b.Seq = seq
		want := int64(t.blockSize)
		if remaining := job.Size - off; remaining < want {
			want = remaining
		}
		n, err := readFull(env, pos, off, b.Buffer()[:want])
		b.SetUsed(n)
		if err != nil {
			// the disk side finds the failure on the block
			f := FailureFrom(err, errcode.TapeRead)
			b.MarkFailed(f.Message, f.Code)
			t.queue.Push(b)
			t.queue.Close()
			env.Logger.Error("Tape read of ", job.FileID, " at ", pos, " failed: ", err)
			return
		}
		addBytes(env.Progress, Recall, n)
		t.queue.Push(b)
		off += int64(n)
	}
	t.queue.Close()
}

func readFull(env DeviceEnv, pos tapehardware.TapePosition, off int64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := env.Device.ReadAt(pos, off+int64(n), buf[n:])
		n += m
		if err == io.EOF {
			if n < len(buf) {
				return n, errcode.New(errcode.Incomplete,
					fmt.Sprintf("file at %s ends after %d bytes", pos, off+int64(n)))
			}
			break
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t DiskWriteTask) Execute(ctx context.Context, env DiskEnv) {
	job := t.job
	var failure *Failure
	// the destination is opened once data is in hand so an open slot is
	// never held by a file still waiting on the tape
	var handle diskio.WriteHandle
	open := func() {
		h, err := env.FS.OpenForWrite(ctx, job.Path)
		if err != nil {
			failure = &Failure{Message: err.Error(), Code: errcode.DiskOpen}
			return
		}
		handle = h
	}

	hash := sha1.New()
	var written int64
	for {
		b, ok := t.queue.Pop()
		if !ok {
			break
		}
		if _, failed := b.Failed(); failure == nil && handle == nil && !failed {
			open()
		}
		if failure == nil {
			failure = t.write(handle, b, hash)
			if failure == nil {
				written += int64(b.Used())
			}
		}
		// written or not, the block goes straight back
		env.Pool.Release(b)
	}
	if f, ok := t.queue.Failure(); ok && failure == nil {
		failure = &f
	}
	if failure == nil && handle == nil {
		open()
	}
	if failure == nil && written != job.Size {
		failure = &Failure{
			Message: fmt.Sprintf("wrote %d of %d bytes", written, job.Size),
			Code:    errcode.Incomplete,
		}
	}
	if handle != nil {
		if failure != nil {
			if err := handle.Abort(); err != nil {
				env.Logger.Error("Unable to remove partial ", job.Path, ": ", err)
			}
		} else if err := handle.Close(); err != nil {
			failure = &Failure{Message: err.Error(), Code: errcode.DiskWrite}
		}
	}
	if failure != nil {
		env.Logger.Error("Recall of ", job.FileID, " to ", job.Path, " failed: ", failure.Message)
	}
	t.finish(env.Sink, job, failure, Success{BytesWritten: written, Checksum: hex.EncodeToString(hash.Sum(nil))})
}

func (t DiskWriteTask) write(handle diskio.WriteHandle, b *mempool.Block, hash io.Writer) *Failure {
	if f, failed := b.Failed(); failed {
		return &Failure{Message: f.Message, Code: f.Code}
	}
	if err := handle.WriteAt(b.Bytes(), int64(b.Seq)*int64(t.blockSize)); err != nil {
		return &Failure{Message: err.Error(), Code: errcode.DiskWrite}
	}
	hash.Write(b.Bytes())
	return nil
}
