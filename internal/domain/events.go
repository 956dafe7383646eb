package domain

import "sync"

// Stage names a lifecycle notification. The values are part of the
// contract with the presentation layer.
type Stage string

const (
	StageSetupStart      Stage = "setup-start"
	StageExtractProgress Stage = "extract-progress"
	StageExtractComplete Stage = "extract-complete"
	StageSetupPip        Stage = "setup-pip"
	StagePipReady        Stage = "pip-ready"
	StageSetupComplete   Stage = "setup-complete"

	StageDownloadProgress Stage = "download-progress"
	StageInstallProgress  Stage = "install-progress"

	StageLaunchStatus Stage = "launch-app-status"
	StageLaunchEnd    Stage = "launch-app-end"
)

// Event is one notification emitted to the caller layer.
type Event struct {
	Stage   Stage
	Message string

	// Optional details, depending on the stage.
	FileName  string
	Percent   int
	Done      int64
	Total     int64
	IsError   bool
	ExitCode  *int
	SessionID string
	State     LaunchState
}

// EventSink receives lifecycle notifications. Implementations must not block
// for long: emitters call them inline.
type EventSink interface {
	Emit(Event)
}

// EventFunc adapts a function to EventSink.
type EventFunc func(Event)

// Emit calls f.
func (f EventFunc) Emit(e Event) { f(e) }

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Event) {}

// Recorder is an EventSink that keeps every event, used by the CLI's
// summary output and by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Stages returns the recorded stage names in order.
func (r *Recorder) Stages() []Stage {
	events := r.Events()
	out := make([]Stage, len(events))
	for i, e := range events {
		out[i] = e.Stage
	}
	return out
}

// Fanout forwards every event to all sinks.
type Fanout []EventSink

// Emit forwards e.
func (f Fanout) Emit(e Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}
