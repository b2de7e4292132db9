package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	// ErrUnknownBackend indicates the batch type is not one of the supported kinds
	ErrUnknownBackend = errors.New("unknown batch type")

	// ErrCommandNotFound indicates a scheduler command could not be started
	ErrCommandNotFound = errors.New("scheduler command could not be run")

	// ErrScriptNotFound indicates the script file was not found
	ErrScriptNotFound = errors.New("script file not found")

	// ErrJobSubmissionFailed indicates the submission command exited nonzero
	ErrJobSubmissionFailed = errors.New("job submission failed")

	// ErrJobIDParseFailed indicates parsing job ID from output failed
	ErrJobIDParseFailed = errors.New("failed to parse job ID from scheduler output")

	// ErrInvalidTimeFormat indicates time format is invalid
	ErrInvalidTimeFormat = errors.New("invalid time format")

	// ErrUnknownState indicates a native state code with no mapping
	ErrUnknownState = errors.New("unknown job state")
)

// ConfigurationError is returned when a backend cannot be constructed.
// No batch operation is possible after one.
type ConfigurationError struct {
	Kind   string // Requested batch type
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("batch configuration error for %q: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("batch configuration error for %q: %v", e.Kind, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ValidationError represents a validation error when specs exceed limits
type ValidationError struct {
	Field     string // Field that failed validation
	Requested int    // Requested value
	Limit     int    // Maximum allowed value
	Queue     string // Queue where limit applies
}

func (e *ValidationError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("%s: requested %d exceeds limit %d for queue %s",
			e.Field, e.Requested, e.Limit, e.Queue)
	}
	return fmt.Sprintf("%s: requested %d exceeds limit %d",
		e.Field, e.Requested, e.Limit)
}

// Is allows errors.Is to match ValidationError
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// ParseError represents an unrecognized line of scheduler output
type ParseError struct {
	Scheduler string // Scheduler name (e.g., "slurm", "pbs")
	Line      int    // Line number where error occurred
	Content   string // Line content
	Reason    string // Reason for parse failure
	Err       error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s parse error at line %d (%s): %s",
			e.Scheduler, e.Line, e.Content, e.Reason)
	}
	if e.Content != "" {
		return fmt.Sprintf("%s parse error (%s): %s", e.Scheduler, e.Content, e.Reason)
	}
	return fmt.Sprintf("%s parse error: %s", e.Scheduler, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SubmissionError represents an error during job submission
type SubmissionError struct {
	Scheduler string // Scheduler name
	JobName   string // Job name
	Output    string // Scheduler output
	Err       error  // Underlying error
}

func (e *SubmissionError) Error() string {
	if out := strings.TrimSpace(e.Output); out != "" {
		return fmt.Sprintf("%s submission failed for job %s: %v\nOutput: %s",
			e.Scheduler, e.JobName, e.Err, out)
	}
	return fmt.Sprintf("%s submission failed for job %s: %v",
		e.Scheduler, e.JobName, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// CommandError represents a scheduler command that could not be run at all
type CommandError struct {
	Scheduler string // Scheduler name
	Command   string // Command that failed (e.g., "squeue")
	Err       error  // Underlying error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: could not run %s: %v",
		e.Scheduler, e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ScriptCreationError represents an error creating a batch script
type ScriptCreationError struct {
	JobName string // Job name
	Path    string // Script path
	Err     error  // Underlying error
}

func (e *ScriptCreationError) Error() string {
	return fmt.Sprintf("failed to create script for job %s at %s: %v",
		e.JobName, e.Path, e.Err)
}

func (e *ScriptCreationError) Unwrap() error {
	return e.Err
}

// Helper functions for creating errors

// NewConfigurationError creates a new ConfigurationError for an unknown kind
func NewConfigurationError(kind string, reason string) *ConfigurationError {
	return &ConfigurationError{
		Kind:   kind,
		Reason: reason,
		Err:    ErrUnknownBackend,
	}
}

// NewParseError creates a new ParseError
func NewParseError(scheduler string, line int, content string, reason string) *ParseError {
	return &ParseError{
		Scheduler: scheduler,
		Line:      line,
		Content:   content,
		Reason:    reason,
	}
}

// NewSubmissionError creates a new SubmissionError
func NewSubmissionError(scheduler string, jobName string, output string, err error) *SubmissionError {
	return &SubmissionError{
		Scheduler: scheduler,
		JobName:   jobName,
		Output:    output,
		Err:       err,
	}
}

// NewCommandError creates a new CommandError
func NewCommandError(scheduler string, command string, err error) *CommandError {
	return &CommandError{
		Scheduler: scheduler,
		Command:   command,
		Err:       fmt.Errorf("%w: %v", ErrCommandNotFound, err),
	}
}

// NewScriptCreationError creates a new ScriptCreationError
func NewScriptCreationError(jobName string, path string, err error) *ScriptCreationError {
	return &ScriptCreationError{
		JobName: jobName,
		Path:    path,
		Err:     err,
	}
}

// IsConfigurationError checks if an error is a ConfigurationError
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsParseError checks if an error is a ParseError
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsSubmissionError checks if an error is a SubmissionError
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// IsCommandError checks if an error is a CommandError
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

