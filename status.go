package delivery

// Status represents the lifecycle state of an outbox record.
type Status string

const (
	// StatusQueued indicates the record is waiting for its next delivery attempt.
	StatusQueued Status = "queued"
	// StatusSent indicates the provider accepted the call.
	StatusSent Status = "sent"
	// StatusDeadLetter indicates retries are exhausted. Only an operator revives it.
	StatusDeadLetter Status = "dead_letter"
)

// Valid reports whether s is a known record status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// Terminal reports whether automated processes must leave the record alone.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDeadLetter
}

// RunStatus represents the state of a reconciliation run.
type RunStatus string

const (
	// RunRunning marks a sweep in progress.
	RunRunning RunStatus = "running"
	// RunSuccess marks a sweep that finished, including early stops on the hard timeout.
	RunSuccess RunStatus = "success"
	// RunFailed marks a sweep aborted by an unexpected error.
	RunFailed RunStatus = "failed"
)
