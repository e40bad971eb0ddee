package runner

import "fmt"

// ExternalJobError is a non-zero exit (or failed spawn) of an external job.
type ExternalJobError struct {
	Stage string
	Job   string
	Code  int
	Hint  string
	Err   error
}

func (e *ExternalJobError) Error() string {
	msg := fmt.Sprintf("stage %s: job %s exited with code %d", e.Stage, e.Job, e.Code)
	if e.Err != nil {
		msg = fmt.Sprintf("stage %s: job %s: %v", e.Stage, e.Job, e.Err)
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *ExternalJobError) Unwrap() error { return e.Err }

// InvalidHandleError is returned when a background task is joined twice,
// is nil, or was never issued by the runner joining it.
type InvalidHandleError struct {
	ID     int
	Reason string
}

func (e *InvalidHandleError) Error() string {
	return fmt.Sprintf("invalid background task handle %d: %s", e.ID, e.Reason)
}
