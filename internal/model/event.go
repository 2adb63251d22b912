package model

import "time"

// Progress event kinds, in the order a task typically emits them.
const (
	EventTaskCreated      = "task.created"
	EventTaskStarted      = "task.started"
	EventTaskProgress     = "task.progress"
	EventProblemCompleted = "task.problem_completed"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
)

// ProgressEvent is one ephemeral pipeline notification. It flows from the
// runner through the event bus to the WebSocket hub and the optional Kafka
// mirror; it is never persisted.
type ProgressEvent struct {
	Kind      string                 `json:"kind"`
	TaskID    string                 `json:"task_id"`
	ProblemID string                 `json:"problem_id,omitempty"`
	Stage     Stage                  `json:"stage,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Progress  int                    `json:"progress_pct,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"ts"`
}
