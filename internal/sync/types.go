package sync

import (
	"context"
	"errors"
	"time"
)

// ErrRunInProgress is returned when another run holds the run lock
var ErrRunInProgress = errors.New("a sync run is already in progress")

// Stage names the step a run failed in. The value is stored in run records.
type Stage string

// Failure stages
const (
	StageAuth      Stage = "auth"
	StageEnumerate Stage = "enumerate"
	StageSelect    Stage = "select"
	StageDownload  Stage = "download"
	StagePublish   Stage = "publish"
	StageRecord    Stage = "record"
)

// RunState is a state of the run state machine
type RunState string

// Run states
const (
	StateInit           RunState = "INIT"
	StateAuthenticating RunState = "AUTHENTICATING"
	StateEnumerating    RunState = "ENUMERATING"
	StateSelecting      RunState = "SELECTING"
	StateDownloading    RunState = "DOWNLOADING"
	StatePublishing     RunState = "PUBLISHING"
	StateDone           RunState = "DONE"
	StateFailed         RunState = "FAILED"
)

// failureStage maps the state a run was in to the stage recorded when it fails there
func failureStage(s RunState) Stage {
	switch s {
	case StateInit, StateAuthenticating:
		return StageAuth
	case StateEnumerating:
		return StageEnumerate
	case StateSelecting:
		return StageSelect
	case StateDownloading:
		return StageDownload
	case StatePublishing:
		return StagePublish
	default:
		return StageRecord
	}
}

// Result contains the result of a successful sync run
type Result struct {
	RunID      string
	Period     string
	Fetched    int
	Selected   int
	Downloaded int
	Failed     int
	Bytes      int64
	// Published holds the ids of the items now live, in selection order
	Published []string
	Duration  time.Duration
}

// Error represents a failed run
type Error struct {
	Stage   Stage
	Message string
	Err     error
	// Retryable is true when the failure was transient and an immediate retry may succeed
	Retryable bool
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Manager performs sync runs
//
//go:generate mockgen -destination=mocks/mock_manager.go -package=mocks github.com/stacklok/frame-sync/internal/sync Manager
type Manager interface {
	// PerformSync executes one complete run. It returns an Error wrapping ErrRunInProgress,
	// without recording anything, when another run holds the lock.
	PerformSync(ctx context.Context) (*Result, *Error)
}
