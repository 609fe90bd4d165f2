package worker

import "github.com/fieldflow/fieldflow/task"

// The parent and its execution unit speak line-delimited JSON over the
// unit's stdin/stdout: one request line in, alive heartbeats and one
// terminal result or error line out.

const (
	msgExecute = "execute"
	msgAlive   = "alive"
	msgResult  = "result"
	msgError   = "error"
)

// Error kinds a unit reports.
const (
	errKindEndpoint       = "endpoint"
	errKindValidation     = "validation"
	errKindInfrastructure = "infrastructure"
)

type unitRequest struct {
	Type         string        `json:"type"`
	TaskData     any           `json:"taskData"`
	TaskMetadata task.Metadata `json:"taskMetadata"`
}

type unitMessage struct {
	Type string `json:"type"`

	// For result messages.
	ResultData           any   `json:"resultData,omitempty"`
	ProcessingTimeMillis int64 `json:"processingTimeMilisecs,omitempty"`

	// For error messages.
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}
