package model

import "encoding/json"

// Event types form a closed, dotted namespace. The lifecycle, dispatch and
// workers primitives emit one event for each transition they make, with
// these exceptions: a status change applied through a task PATCH emits no
// event, the dispatcher's claim rollback emits no event, and restart-from
// emits a single task_group.restart_from event for its whole closure. The
// audit table is the authoritative replay source.
const (
	EventTaskCreated           = "task.created"
	EventTaskQueued            = "task.queued"
	EventTaskWaiting           = "task.waiting"
	EventTaskStarted           = "task.started"
	EventTaskProgress          = "task.progress"
	EventTaskCompleted         = "task.completed"
	EventTaskFailed            = "task.failed"
	EventTaskCancelled         = "task.cancelled"
	EventTaskDeleted           = "task.deleted"
	EventTaskRerunRequested    = "task.rerun_requested"
	EventTaskDependencyBlocked = "task.dependency_blocked"
	EventTaskReviewApproved    = "task.review_approved"
	EventTaskReviewRejected    = "task.review_rejected"
	EventTaskReviewExhausted   = "task.review_rejected_max_retries"
	EventTaskPRCreated         = "task.pr_created"
	EventTaskPRSkipped         = "task.pr_skipped"
	EventTaskPRFailed          = "task.pr_failed"
	EventTaskPRMerged          = "task.pr_merged"

	EventGroupCancelled  = "task_group.cancelled"
	EventGroupRestart    = "task_group.restart_from"
	EventGroupRerunFail  = "task_group.rerun_failed"
	EventPipelineCreated = "pipeline.created"

	EventWorkerRegistered = "worker.registered"
	EventWorkerDraining   = "worker.draining"
	EventWorkerOffline    = "worker.offline"
	EventWorkerActivated  = "worker.activated"
	EventWorkerStale      = "worker.stale"
)

// SystemEvent is one audit record. Payload is opaque JSON recording at least
// the task id, the previous status and any correlation ids.
type SystemEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp Time            `json:"timestamp"`
}

// PayloadField extracts a string field from the event payload, returning ""
// when absent or of a different type.
func (e *SystemEvent) PayloadField(key string) string {
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
