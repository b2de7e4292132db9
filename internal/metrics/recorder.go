// Package metrics records engine activity: submissions, poll cycles, parse
// problems and job classifications.
package metrics

import "time"

// Recorder receives engine events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// JobSubmitted counts a successful submission
	JobSubmitted(backend string)
	// SubmitFailed counts a submission that returned no job id
	SubmitFailed(backend string)
	// PollCycle observes one completed poll cycle
	PollCycle(backend string, d time.Duration)
	// ParseProblems counts unparseable scheduler output lines
	ParseProblems(backend string, n int)
	// JobFinished counts a job reaching its final classification
	JobFinished(backend, status string)
}

// Nop is a Recorder that does nothing. It is the engine default.
type Nop struct{}

func (Nop) JobSubmitted(string)             {}
func (Nop) SubmitFailed(string)             {}
func (Nop) PollCycle(string, time.Duration) {}
func (Nop) ParseProblems(string, int)       {}
func (Nop) JobFinished(string, string)      {}

var _ Recorder = Nop{}
