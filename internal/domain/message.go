package domain

import (
	"strings"
	"time"
)

// RawMessage is a single email as handed over by a mailbox source.
// It is passed by value and never mutated by the pipeline.
type RawMessage struct {
	SenderAddress string    `json:"sender_address"`
	SenderDomain  string    `json:"sender_domain"`
	Subject       string    `json:"subject"`
	HTMLBody      string    `json:"html_body"`
	TextBody      string    `json:"text_body"`
	ReceivedAt    time.Time `json:"received_at"`
	Mailbox       string    `json:"mailbox"`
	Folder        string    `json:"folder"`
}

// HasSender reports whether the message carries a usable sender address.
func (m RawMessage) HasSender() bool {
	return strings.Contains(strings.TrimSpace(m.SenderAddress), "@")
}

// ClassificationResult is the include/exclude decision for one message.
type ClassificationResult struct {
	IsMarketing bool     `json:"is_marketing"`
	Score       int      `json:"score"`
	Signals     []string `json:"signals"`
	// ExcludedBy names the hard exclusion that rejected the message, if any.
	ExcludedBy string `json:"excluded_by,omitempty"`
}
