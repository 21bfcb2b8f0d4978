// Package sync orchestrates one photo-frame sync run.
//
// A run moves through a fixed sequence of states:
//
//	INIT -> AUTHENTICATING -> ENUMERATING -> SELECTING -> DOWNLOADING -> PUBLISHING -> DONE
//
// and ends in FAILED(stage) from any non-terminal state. A failed run leaves the live
// directory and the show history exactly as they were and appends a failed run record.
// Items are credited only after the new set has been published, and only the items
// that were actually downloaded.
//
// # Core Types
//
//   - Manager: runs the state machine (PerformSync)
//   - RunLock: process-level exclusive lock so at most one run touches the live directory
//   - Result: counts and identifiers of a successful run
//   - Error: the failing Stage with a message and whether a retry may help
//
// The sync/coordinator subpackage schedules runs and exposes the idempotent "run now" trigger.
package sync
