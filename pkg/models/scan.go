package models

import "time"

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusError     JobStatus = "error"
)

// Terminal reports whether s is a final state. Terminal states are sticky
// until the next job starts.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCancelled, JobStatusError:
		return true
	}
	return false
}

// ScanJob is one discovery run.
type ScanJob struct {
	JobID        string     `json:"jobId,omitempty"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	DevicesFound int        `json:"devicesFound"`
	StartTime    *time.Time `json:"startTime,omitempty"`
	EndTime      *time.Time `json:"endTime"`
	Error        string     `json:"error,omitempty"`
}

// IdleJob returns the sentinel reported before any job has started.
func IdleJob() ScanJob {
	return ScanJob{Status: JobStatusIdle}
}

// IsIdle reports whether j is the idle sentinel.
func (j ScanJob) IsIdle() bool {
	return j.JobID == "" && (j.Status == "" || j.Status == JobStatusIdle)
}
