package worker

// ingestTask is the NSQ message dispatched by the jobs API when an
// ingestion run is enqueued.
type ingestTask struct {
	JobID         string `json:"job_id"`
	SourceID      string `json:"source_id"`
	ProjectID     string `json:"project_id"`
	CorrelationID string `json:"correlation_id"`
}
