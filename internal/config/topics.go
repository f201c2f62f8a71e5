package config

const (
	// TopicIngestTask carries ingestion job dispatches from the API to the
	// ingest consumer.
	TopicIngestTask = "ingest.task"

	// ChannelIngest is the consumer channel name for the ingest worker.
	ChannelIngest = "backend"
)
