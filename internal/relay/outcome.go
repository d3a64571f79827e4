package relay

import (
	"github.com/FeelPulse/chatrelay/pkg/types"
)

// Status is how a relayed stream ended
type Status int

const (
	StatusCompleted Status = iota
	StatusAborted
	StatusErrored
)

// String returns the status name used in logs and metrics
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// State is a step of one request's lifecycle
type State int

const (
	StateInit State = iota
	StateAuthenticated
	StateQuotaChecked
	StatePayloadReady
	StateStreaming
	StateCompleted
	StateAborted
	StateErrored
	StateSettled
)

var stateNames = [...]string{
	"INIT", "AUTHENTICATED", "QUOTA_CHECKED", "PAYLOAD_READY", "STREAMING",
	"COMPLETED", "ABORTED", "ERRORED", "SETTLED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// terminal maps a stream status to its pre-settlement state
func (s Status) terminal() State {
	switch s {
	case StatusCompleted:
		return StateCompleted
	case StatusAborted:
		return StateAborted
	default:
		return StateErrored
	}
}

// Outcome is the result of one relayed stream
type Outcome struct {
	Text             string
	HasContentOutput bool
	Status           Status
	Usage            types.Usage
	Charged          bool
	Provider         string
	Model            string
	Trace            []State
}

func (o *Outcome) enter(s State) {
	o.Trace = append(o.Trace, s)
}
