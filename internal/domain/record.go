package domain

import (
	"encoding/json"
	"time"
)

// ProcessingStatus enumerates the outcome of one message's pipeline run.
type ProcessingStatus string

const (
	StatusSuccess ProcessingStatus = "success"
	StatusPartial ProcessingStatus = "partial"
	StatusFailed  ProcessingStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// AnalysisRecord is the unit persisted downstream, one per message id.
type AnalysisRecord struct {
	MessageID    string    `json:"message_id"`
	RunID        string    `json:"run_id"`
	Mailbox      string    `json:"mailbox"`
	Folder       string    `json:"folder"`
	Sender       string    `json:"sender"`
	SenderDomain string    `json:"sender_domain"`
	Subject      string    `json:"subject"`
	ReceivedAt   time.Time `json:"received_at"`
	ImageURL     string    `json:"image_url,omitempty"`
	ImageKey     string    `json:"image_key,omitempty"`
	Degraded     bool      `json:"degraded"`
	// Attributes is the analyzer payload, already encoded as a JSON object.
	Attributes json.RawMessage  `json:"attributes,omitempty"`
	Status     ProcessingStatus `json:"processing_status"`
	Errors     []string         `json:"errors"`
	AnalyzedAt time.Time        `json:"analyzed_at"`
}
