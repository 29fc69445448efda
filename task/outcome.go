package task

import (
	"sync/atomic"

	"ltfs-xfer/errcode"
	"ltfs-xfer/tapehardware"
)

type Success struct {
	BytesWritten int64  `json:"bytesWritten"`
	Checksum     string `json:"checksum"`
}

type Failure struct {
	Message string       `json:"message"`
	Code    errcode.Code `json:"code"`
}

// FailureFrom turns an error into a failure, keeping its code.
func FailureFrom(err error, fallback errcode.Code) Failure {
	code := errcode.CodeOf(err)
	if code == errcode.Internal {
		code = fallback
	}
	return Failure{Message: err.Error(), Code: code}
}

// Outcome is the terminal result of one file. Exactly one of Success and
// Failure is set.
type Outcome struct {
	FileID    string                    `json:"fileId"`
	Direction Direction                 `json:"direction"`
	Position  tapehardware.TapePosition `json:"position"`
	Success   *Success                  `json:"success,omitempty"`
	Failure   *Failure                  `json:"failure,omitempty"`
}

func Succeeded(job JobDescriptor, s Success) Outcome {
	return Outcome{FileID: job.FileID, Direction: job.Direction, Position: job.Position, Success: &s}
}

func Failed(job JobDescriptor, f Failure) Outcome {
	return Outcome{FileID: job.FileID, Direction: job.Direction, Position: job.Position, Failure: &f}
}

func (o Outcome) OK() bool { return o.Failure == nil }

// OutcomeSink receives the terminal result of every task pair.
type OutcomeSink interface {
	ReportCompleted(job JobDescriptor, s Success)
	ReportFailed(job JobDescriptor, f Failure)
}

type State int32

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
)

// completion is shared by both tasks of a pair; the side that reports the
// outcome sets it.
type completion struct {
	state atomic.Int32
}

func (c *completion) State() State { return State(c.state.Load()) }

func (c *completion) finish(sink OutcomeSink, job JobDescriptor, failure *Failure, success Success) {
	if failure != nil {
		c.state.Store(int32(StateFailed))
		sink.ReportFailed(job, *failure)
		return
	}
	c.state.Store(int32(StateSucceeded))
	sink.ReportCompleted(job, success)
}
