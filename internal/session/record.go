package session

import (
	"errors"
	"fmt"
	"strings"
)

// Record is the on-disk session snapshot. The JSON key casing is part of
// the storage format and must not change between versions.
type Record struct {
	SessionID   string                 `json:"sessionId"`
	ProjectName string                 `json:"projectName"`
	Context     map[string]interface{} `json:"context"`
	Metadata    map[string]interface{} `json:"metadata"`
	CaptureTime string                 `json:"captureTime"` // RFC 3339 UTC
	Timestamp   int64                  `json:"timestamp"`   // epoch milliseconds
	Version     int                    `json:"version"`
}

// recordVersion is the current snapshot schema version.
const recordVersion = 1

var (
	// ErrNotFound is returned when a session record does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrProjectMismatch is returned when a restore names the wrong project.
	ErrProjectMismatch = errors.New("session belongs to a different project")
	// ErrInvalidID is returned for identifiers unsafe to use as file names.
	ErrInvalidID = errors.New("invalid identifier")
	// ErrInvalidStrategy is returned for unrecognized cleanup strategies.
	ErrInvalidStrategy = errors.New("unknown cleanup strategy")
	// ErrNoArchiver is returned when the archive strategy has no sink.
	ErrNoArchiver = errors.New("archive sink not configured")
)

// validateID rejects identifiers that would escape the storage directory.
func validateID(s string) error {
	if s == "" {
		return fmt.Errorf("empty identifier: %w", ErrInvalidID)
	}
	if strings.ContainsAny(s, "/\\") || strings.Contains(s, "..") || s == "." {
		return fmt.Errorf("identifier %q: %w", s, ErrInvalidID)
	}
	return nil
}
