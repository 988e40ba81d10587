package lifecycle

import (
	"time"
)

type Phase int

const (
	PhaseCreated Phase = iota
	PhaseInitializing
	PhaseInitialized
	PhaseStarting
	PhaseRunning
	PhaseStopping
	PhaseStopped
	PhaseDisposing
	PhaseDisposed
	PhaseFailed
)

func (p Phase) String() string {
	if p < PhaseCreated || p > PhaseFailed {
		return "Unknown"
	}
	return [...]string{
		"Created",
		"Initializing",
		"Initialized",
		"Starting",
		"Running",
		"Stopping",
		"Stopped",
		"Disposing",
		"Disposed",
		"Failed",
	}[p]
}

var transitions = map[Phase][]Phase{
	PhaseCreated:      {PhaseInitializing},
	PhaseInitializing: {PhaseInitialized},
	PhaseInitialized:  {PhaseStarting},
	PhaseStarting:     {PhaseRunning},
	PhaseRunning:      {PhaseStopping},
	PhaseStopping:     {PhaseStopped},
	PhaseStopped:      {PhaseStarting, PhaseDisposing},
	PhaseDisposing:    {PhaseDisposed},
	PhaseFailed:       {PhaseStopping, PhaseDisposing},
}

// CanTransition reports whether from -> to is a legal edge. Every phase
// except Disposed may fail. Disposing is reachable only from Stopped or
// Failed.
func CanTransition(from, to Phase) bool {
	if to == PhaseFailed {
		return from != PhaseDisposed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// State is a snapshot of one plugin's lifecycle.
type State struct {
	PluginID       string
	Phase          Phase
	LastTransition time.Time
	StartCount     int
	StopCount      int
	ErrorCount     int
	LastError      error
}

type Event struct {
	PluginID  string
	From      Phase
	To        Phase
	Err       error
	Timestamp time.Time
}
