package journal

import "github.com/ChuLiYu/sjs/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: event records of the job lifecycle audit trail
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventSubmit       EventType = "SUBMIT"        // Job accepted into the queue
	EventLaunch       EventType = "LAUNCH"        // Child process started
	EventLaunchFailed EventType = "LAUNCH_FAILED" // Child process could not start
	EventExit         EventType = "EXIT"          // Child process reaped
	EventCancel       EventType = "CANCEL"        // Pending job removed by cancel
	EventConfigure    EventType = "CONFIGURE"     // Concurrency limit changed
)

// Event represents one journal record
type Event struct {
	Seq       uint64      `json:"seq"`               // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`              // Event type
	JobID     types.JobID `json:"job_id,omitempty"`  // Job ID
	PID       int         `json:"pid,omitempty"`     // Child pid for LAUNCH / EXIT
	Command   string      `json:"command,omitempty"` // Command line for SUBMIT
	Detail    string      `json:"detail,omitempty"`  // Exit status, launch error, "4->2", ...
	Timestamp int64       `json:"timestamp"`         // Unix millisecond timestamp
	Checksum  uint32      `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing journal events during Read
type EventHandler func(event Event) error
