package scan

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the Coordinator.
var (
	ErrScanRunning  = errors.New("scan already in progress")
	ErrNoActiveScan = errors.New("no active scan to cancel")
)

// ConflictError is returned by Start while another job is running.
type ConflictError struct {
	JobID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scan %s already in progress", e.JobID)
}

// Is lets errors.Is(err, ErrScanRunning) match a ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrScanRunning
}
