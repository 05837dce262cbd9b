package datamodels

import (
	"time"

	"github.com/google/uuid"
)

// DispatchRequest asks for one command on one minion. The salt-api
// credentials live in the dispatch service's configuration, not here.
type DispatchRequest struct {
	ExecutionUID uuid.UUID         `json:"exuid"`
	Target       string            `json:"target" validate:"required,max=255"`
	Function     string            `json:"function" validate:"required"`
	Secrets      map[string]string `json:"secrets,omitempty"`
}

// Response acknowledges a queued request.
type Response struct {
	ExecutionUID uuid.UUID `json:"exuid"`
}

// DispatchOutcome is published once per DispatchRequest.
type DispatchOutcome struct {
	ExecutionUID uuid.UUID `json:"exuid"`
	Target       string    `json:"target"`
	Function     string    `json:"function"`
	JobID        string    `json:"jid,omitempty"`
	Stdout       string    `json:"stdout"`
	Stderr       string    `json:"stderr"`
	ExitCode     int       `json:"exitCode"`
	Reason       string    `json:"reason,omitempty"`
	Message      string    `json:"message,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
}

// Succeeded reports whether the command ran and exited zero.
func (o DispatchOutcome) Succeeded() bool { return o.Reason == "" }
