// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// ReportIngestTask represents the data structure for a report ingestion job.
type ReportIngestTask struct {
	ReportID   uint   `json:"report_id"`
	ObjectName string `json:"object_name"`
	FileName   string `json:"file_name"`
	ThreadID   string `json:"thread_id"`
	UserID     uint   `json:"user_id"`
}
