package domain

type EventKind string

const (
	EventStageTransition   EventKind = "stage_transition"
	EventTimelineSummary   EventKind = "processing_timeline_summary"
	EventJobFinalized      EventKind = "job_finalized"
	EventJobReturned       EventKind = "job_returned_to_intake"
	EventJobDeadLettered   EventKind = "job_dead_lettered"
	EventFeedbackApplied   EventKind = "feedback_applied"
	EventFeedbackRejected  EventKind = "feedback_rejected"
	EventCategoryCreated   EventKind = "category_created"
	EventReanalysisQueued  EventKind = "reanalysis_queued"
	EventReferencesUpdated EventKind = "references_updated"
)
