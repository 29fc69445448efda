// Package reporter collects the outcome of every file of a session and
// forwards them, in arrival order, to the job source, followed by exactly
// one end-of-session notice.
package reporter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"ltfs-xfer/errcode"
	"ltfs-xfer/jobsource"
	"ltfs-xfer/task"
	"ltfs-xfer/utils"
)

type kind int

const (
	kindOutcome kind = iota
	kindSessionError
	kindEnd
	kindEndWithErrors
)

type message struct {
	kind    kind
	outcome task.Outcome
	text    string
	code    errcode.Code
}

// Terminal is the end-of-session notice that reached the job source.
type Terminal struct {
	Nominal bool
	Message string
	Code    errcode.Code
}

type Reporter struct {
	source    jobsource.JobSource
	batchSize int
	queue     chan message
	done      chan struct{}
	logger    *utils.Logger

	completed     atomic.Int64
	failed        atomic.Int64
	sessionErrors atomic.Int64

	mu          sync.Mutex
	firstCode   errcode.Code
	firstError  string
	terminal    *Terminal
	deliveryErr error
	onLost      func()
}

// New returns a reporter that flushes every batchSize outcomes. A batch
// size of 1 or less reports file by file.
func New(source jobsource.JobSource, batchSize int, logger *utils.Logger) *Reporter {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Reporter{
		source:    source,
		batchSize: batchSize,
		queue:     make(chan message, 1024),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// OnCommunicationLost installs fn, called from Run each time outcomes
// cannot be delivered to the job source. Set it before Run.
func (r *Reporter) OnCommunicationLost(fn func()) {
	r.onLost = fn
}

func (r *Reporter) send(m message) {
	select {
	case <-r.done:
		r.logger.Error("Report after end of session dropped: ", describe(m))
	default:
		select {
		case r.queue <- m:
		case <-r.done:
			r.logger.Error("Report after end of session dropped: ", describe(m))
		}
	}
}

func describe(m message) string {
	switch m.kind {
	case kindOutcome:
		if m.outcome.OK() {
			return "completed " + m.outcome.FileID
		}
		return "failed " + m.outcome.FileID
	case kindSessionError:
		return "session error " + m.text
	case kindEnd:
		return "end of session"
	default:
		return "end of session with errors " + m.text
	}
}

func (r *Reporter) ReportCompleted(job task.JobDescriptor, s task.Success) {
	r.completed.Add(1)
	r.send(message{kind: kindOutcome, outcome: task.Succeeded(job, s)})
}

func (r *Reporter) ReportFailed(job task.JobDescriptor, f task.Failure) {
	r.failed.Add(1)
	r.noteFirst(f.Code, job.FileID+": "+f.Message)
	r.send(message{kind: kindOutcome, outcome: task.Failed(job, f)})
}

// ReportSessionError records a failure that is not tied to one file, such
// as losing the job source. It makes the end of session errored.
func (r *Reporter) ReportSessionError(err error) {
	r.sessionErrors.Add(1)
	code := errcode.CodeOf(err)
	r.noteFirst(code, err.Error())
	r.send(message{kind: kindSessionError, text: err.Error(), code: code})
}

func (r *Reporter) noteFirst(code errcode.Code, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstError == "" {
		r.firstCode, r.firstError = code, text
	}
}

func (r *Reporter) ReportEndOfSession() {
	r.send(message{kind: kindEnd})
}

func (r *Reporter) ReportEndOfSessionWithErrors(msg string, code errcode.Code) {
	r.send(message{kind: kindEndWithErrors, text: msg, code: code})
}

// Failures counts failed files and session errors recorded so far.
func (r *Reporter) Failures() int {
	return int(r.failed.Load() + r.sessionErrors.Load())
}

func (r *Reporter) Completed() int { return int(r.completed.Load()) }
func (r *Reporter) Failed() int    { return int(r.failed.Load()) }

// ErrorSummary describes the recorded failures for an errored end.
func (r *Reporter) ErrorSummary() (string, errcode.Code) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := r.failed.Load()
	if r.sessionErrors.Load() > 0 {
		return fmt.Sprintf("session error: %s; %d file(s) failed", r.firstError, failed), r.firstCode
	}
	return fmt.Sprintf("%d file(s) failed, first: %s", failed, r.firstError), r.firstCode
}

// Done is closed once the terminal notice has been handed to the job source.
func (r *Reporter) Done() <-chan struct{} { return r.done }

// Terminal returns the notice sent; only valid after Done is closed.
func (r *Reporter) Terminal() Terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal == nil {
		return Terminal{}
	}
	return *r.terminal
}

// Run drains the report queue until the end of session has been delivered.
// If ctx ends first the session is closed as errored.
func (r *Reporter) Run(ctx context.Context) error {
	// deliveries must still go out while the session is being torn down
	deliverCtx := context.WithoutCancel(ctx)
	var buffer []task.Outcome
	var failedSeen, sessionErrorsSeen int

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		if err := r.source.ReportOutcomes(deliverCtx, buffer); err != nil {
			r.logger.Error("Unable to report ", len(buffer), " outcomes: ", err)
			r.recordDeliveryError(err)
			// losing the job source ends the session as errored
			r.sessionErrors.Add(1)
			r.noteFirst(errcode.Communication, "report outcomes: "+err.Error())
			sessionErrorsSeen++
			if r.onLost != nil {
				r.onLost()
			}
		} else {
			r.logger.Debug("Reported ", len(buffer), " outcomes")
		}
		buffer = nil
	}

	for {
		var m message
		select {
		case m = <-r.queue:
		case <-ctx.Done():
			// drain what was already queued, then close the session
			for drained := false; !drained; {
				select {
				case m := <-r.queue:
					if m.kind == kindOutcome {
						buffer = append(buffer, m.outcome)
					}
				default:
					drained = true
				}
			}
			flush()
			r.finish(deliverCtx, Terminal{Message: "session interrupted: " + ctx.Err().Error(), Code: errcode.Shutdown})
			return ctx.Err()
		}

		switch m.kind {
		case kindOutcome:
			if !m.outcome.OK() {
				failedSeen++
			}
			buffer = append(buffer, m.outcome)
			if len(buffer) >= r.batchSize {
				flush()
			}
		case kindSessionError:
			sessionErrorsSeen++
			r.logger.Error("Session error: ", m.text)
		case kindEnd, kindEndWithErrors:
			flush()
			r.finish(deliverCtx, r.consistent(m, failedSeen, sessionErrorsSeen))
			return r.deliveryError()
		}
	}
}

// consistent turns an end notice that contradicts the recorded failures into
// an errored end explaining the mismatch.
func (r *Reporter) consistent(m message, failed, sessionErrors int) Terminal {
	if m.kind == kindEnd {
		if failed+sessionErrors == 0 {
			return Terminal{Nominal: true}
		}
		msg := fmt.Sprintf("end of session reported as nominal but %d file(s) failed and %d session error(s) occurred", failed, sessionErrors)
		r.logger.Error(msg)
		return Terminal{Message: msg, Code: errcode.Consistency}
	}
	if failed+sessionErrors == 0 {
		msg := "end of session reported with errors but no failure was recorded: " + m.text
		r.logger.Error(msg)
		return Terminal{Message: msg, Code: errcode.Consistency}
	}
	return Terminal{Message: m.text, Code: m.code}
}

func (r *Reporter) finish(ctx context.Context, t Terminal) {
	var err error
	if t.Nominal {
		err = r.source.ReportEndOfSession(ctx)
		r.logger.Event("End of session: nominal, ", r.Completed(), " file(s) completed")
	} else {
		err = r.source.ReportEndOfSessionWithErrors(ctx, t.Message, t.Code)
		r.logger.Event("End of session with errors (", t.Code, "): ", t.Message)
	}
	if err != nil {
		r.logger.Error("Unable to report end of session: ", err)
		r.recordDeliveryError(err)
	}
	r.mu.Lock()
	r.terminal = &t
	r.mu.Unlock()
	close(r.done)
}

func (r *Reporter) recordDeliveryError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deliveryErr == nil {
		r.deliveryErr = err
	}
}

func (r *Reporter) deliveryError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deliveryErr
}
