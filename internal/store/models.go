package store

import "time"

// JobState is the lifecycle stage of a transfer job.
type JobState string

const (
	StateDiscovered JobState = "discovered"
	StateInFlight   JobState = "in_flight"
	StateDone       JobState = "done"
	StateAbandoned  JobState = "abandoned"
)

// JobRecord is the persisted form of one outbound transfer job. FileID is the
// hex SHA-256 of the file content and doubles as the primary key.
type JobRecord struct {
	FileID      string
	SourcePath  string
	Name        string
	TotalChunks int
	SentChunks  []int
	RetryCount  int
	LastAttempt time.Time // zero if never attempted
	State       JobState
}
