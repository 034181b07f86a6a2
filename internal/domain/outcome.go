package domain

import (
	"errors"
	"time"
)

// ErrRowRejected marks a row the durable store refused permanently (bad data
// rather than an unavailable store). Such rows are not worth retrying.
var ErrRowRejected = errors.New("row rejected by store")

// Status is the terminal state of a pipeline run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// PipelineOutcome is the payload handed to notifiers after each batch.
type PipelineOutcome struct {
	BatchID       string    `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
	Source        string    `json:"source" yaml:"source"`
	Status        Status    `json:"status" yaml:"status"`
	AcceptedCount int       `json:"accepted_count" yaml:"accepted_count"`
	RejectedCount int       `json:"rejected_count" yaml:"rejected_count"`
	InsertedCount int       `json:"inserted_count" yaml:"inserted_count"`
	FailedCount   int       `json:"failed_count" yaml:"failed_count"`
	Incomplete    bool      `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	Refreshed     bool      `json:"refreshed,omitempty" yaml:"refreshed,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	StartedAt     time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time `json:"finished_at" yaml:"finished_at"`
}
