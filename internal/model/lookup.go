package model

import (
	"errors"
	"time"
)

type OutcomeStatus int

const (
	LookupSucceeded OutcomeStatus = iota
	LookupCacheHit
	LookupRejected
	LookupCanceled
	LookupFailed
)

func (os OutcomeStatus) String() string {
	return [...]string{"succeeded", "cache hit", "rejected", "canceled", "failed"}[os]
}

// LookupRequest is one unit of work for the lookup coordinator. Key is the
// cache key derived from the task. Position preserves the caller's order.
type LookupRequest struct {
	Key      string
	Task     EnrichTask
	Position int
}

// LookupOutcome is the terminal result for one request. Attempts counts calls
// made to the source, Retries counts repeated calls after a failed first one.
// A rejected or cache-hit request makes no source calls at all.
type LookupOutcome struct {
	Request   LookupRequest
	Status    OutcomeStatus
	Finding   *Finding
	Err       error
	Attempts  int
	Retries   int
	QueueWait time.Duration
}

// ErrNoFinding is returned when every configured source came up empty for
// a subject. It is a permanent condition for the batch, not a failure of
// the sources themselves.
var ErrNoFinding = errors.New("no source produced a finding")

// PermanentError marks a lookup failure that will not succeed on a retry.
// The coordinator stops retrying as soon as it sees one.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
