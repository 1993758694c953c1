package job

import "time"

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether a job in this status may no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Finished reports whether completedAt must be set for this status.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a patch may move a job from one status to another.
// The recovery reset PROCESSING -> PENDING is not reachable here; only the store's
// recovery path performs it.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

const DefaultMaxRetries = 3

type Job struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Status         Status     `json:"status"`
	Priority       int        `json:"priority"`
	Progress       int        `json:"progress"`
	CurrentStep    string     `json:"currentStep,omitempty"`
	TotalSteps     int        `json:"totalSteps"`
	CompletedSteps int        `json:"completedSteps"`
	Input          Params     `json:"inputData,omitempty"`
	Output         *Output    `json:"outputData,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	RetryCount     int        `json:"retryCount"`
	MaxRetries     int        `json:"maxRetries"`
	OwnerID        string     `json:"ownerId"`
	ProjectID      string     `json:"projectId,omitempty"`
	ArtifactID     string     `json:"artifactId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Patch is a partial update of a job. Nil fields are left untouched.
type Patch struct {
	Status         *Status `json:"status,omitempty"`
	Progress       *int    `json:"progress,omitempty"`
	CurrentStep    *string `json:"currentStep,omitempty"`
	CompletedSteps *int    `json:"completedSteps,omitempty"`
	Output         *Output `json:"outputData,omitempty"`
	ErrorMessage   *string `json:"errorMessage,omitempty"`
	ArtifactID     *string `json:"artifactId,omitempty"`
}

func (p Patch) Empty() bool {
	return p.Status == nil && p.Progress == nil && p.CurrentStep == nil && p.CompletedSteps == nil &&
		p.Output == nil && p.ErrorMessage == nil && p.ArtifactID == nil
}

// ClampProgress keeps a progress value inside 0..100.
func ClampProgress(p int) int {
	return min(100, max(0, p))
}

// WakeMessage is pushed onto the shared wake list to ask a running server to drain.
type WakeMessage struct {
	Reason      string    `json:"reason"`
	All         bool      `json:"all"`
	RequestedAt time.Time `json:"requested_at"`
}
