package status

import "time"

// SyncPhase represents the current phase of a synchronization run
type SyncPhase string

const (
	// SyncPhaseSyncing means a run is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last run published a new photo set
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means the last run failed and the previous set is still live
	SyncPhaseFailed SyncPhase = "Failed"
)

// SyncStatus is the last-run summary read by the viewer and the CLI
type SyncStatus struct {
	// Phase represents the current synchronization phase
	Phase SyncPhase `json:"phase"`

	// Message provides additional information about the sync status
	Message string `json:"message,omitempty"`

	// RunID identifies the latest run
	RunID string `json:"runId,omitempty"`

	// FailureStage names the stage of the latest failed run
	FailureStage string `json:"failureStage,omitempty"`

	// LastAttempt is the timestamp of the last run attempt
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of attempts since the last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last successful run
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// Period is the cooldown period credited by the last successful run
	Period string `json:"period,omitempty"`

	// PhotoCount is the number of items published by the last successful run
	PhotoCount int `json:"photoCount,omitempty"`

	// SyncSchedule is the background interval, empty for one-shot invocations
	SyncSchedule string `json:"syncSchedule,omitempty"`
}
