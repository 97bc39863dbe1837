package workflow

import (
	"time"

	"github.com/example/idverify/internal/capture"
	"github.com/example/idverify/internal/verification"
)

// Step is a stage of the verification flow.
type Step string

const (
	StepAwaitingDocument  Step = "awaiting_document"
	StepAwaitingBiometric Step = "awaiting_biometric"
	StepVerifying         Step = "verifying"
	StepCompleted         Step = "completed"
)

// Session correlates one document, one biometric and one verdict.
// Empty strings and nil pointers stand for absent values.
type Session struct {
	ID        string                `json:"session_id,omitempty"`
	Step      Step                  `json:"step"`
	Document  *capture.Image        `json:"-"`
	Biometric *capture.Image        `json:"-"`
	Verdict   *verification.Verdict `json:"verdict,omitempty"`
	LastError string                `json:"last_error,omitempty"`
}

// HasDocument reports whether a document image is held for preview.
func (s Session) HasDocument() bool {
	return s.Document != nil
}

// HasBiometric reports whether a biometric image is held for preview.
func (s Session) HasBiometric() bool {
	return s.Biometric != nil
}

// EventType names a workflow notification.
type EventType string

const (
	EventStepChanged EventType = "step_changed"
	EventFailed      EventType = "failed"
	EventCompleted   EventType = "completed"
	EventReset       EventType = "reset"
)

// Event is delivered to the presentation layer on every transition or failure.
type Event struct {
	Type      EventType
	Step      Step
	SessionID string
	Message   string
	At        time.Time
}
