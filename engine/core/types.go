package core

// -----------------------------------------------------------------------------
// Entity Type
// -----------------------------------------------------------------------------

type EntityType string

const (
	EntityTask EntityType = "task"
	EntityStep EntityType = "step"
)

func (e EntityType) String() string {
	return string(e)
}

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

type StatusType string

const (
	StatusPending          StatusType = "pending"
	StatusInProgress       StatusType = "in_progress"
	StatusComplete         StatusType = "complete"
	StatusError            StatusType = "error"
	StatusCancelled        StatusType = "cancelled"
	StatusResolvedManually StatusType = "resolved_manually"
)

func (s StatusType) String() string {
	return string(s)
}

// IsCompletion reports whether the status counts as a completed outcome when
// classifying a step group: success, manual resolution or cancellation.
func (s StatusType) IsCompletion() bool {
	switch s {
	case StatusComplete, StatusResolvedManually, StatusCancelled:
		return true
	}
	return false
}

// IsWorkable reports whether an entity in this status can still make progress
// on its own. Error is deliberately excluded: an errored step may or may not
// be retryable, which only the retry policy can decide.
func (s StatusType) IsWorkable() bool {
	return s == StatusPending || s == StatusInProgress
}

// SatisfiesDependency reports whether a parent step in this status unblocks
// its children.
func (s StatusType) SatisfiesDependency() bool {
	return s == StatusComplete || s == StatusResolvedManually
}

// Statuses lists every valid status value.
func Statuses() []StatusType {
	return []StatusType{
		StatusPending,
		StatusInProgress,
		StatusComplete,
		StatusError,
		StatusCancelled,
		StatusResolvedManually,
	}
}

// IsValidStatus reports whether s is a known status value.
func IsValidStatus(s StatusType) bool {
	for _, known := range Statuses() {
		if s == known {
			return true
		}
	}
	return false
}
