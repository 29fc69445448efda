// Package jobsource is the remote side of a session: it hands out batches of
// jobs and receives their outcomes and the end-of-session notice.
package jobsource

import (
	"context"
	"errors"

	"ltfs-xfer/errcode"
	"ltfs-xfer/task"
)

// ErrCommunication matches, with errors.Is, every failure to talk to the
// job source. Such a failure ends the session.
var ErrCommunication = errors.New("job source communication failure")

type commError struct {
	op  string
	err error
}

func (e *commError) Error() string        { return "job source " + e.op + ": " + e.err.Error() }
func (e *commError) Is(target error) bool { return target == ErrCommunication }
func (e *commError) Unwrap() error        { return e.err }

// CommunicationError marks err as a communication failure during op.
func CommunicationError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &commError{op: op, err: err}
}

// Batch is one answer to a BatchRequest. EndOfData is set when the source
// knows it has nothing more for this session.
type Batch struct {
	Jobs      []task.JobDescriptor
	EndOfData bool
}

type JobSource interface {
	GetNextJobBatch(ctx context.Context, req task.BatchRequest) (Batch, error)
	ReportOutcomes(ctx context.Context, outcomes []task.Outcome) error
	ReportEndOfSession(ctx context.Context) error
	ReportEndOfSessionWithErrors(ctx context.Context, message string, code errcode.Code) error
}
