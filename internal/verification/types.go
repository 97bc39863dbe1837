package verification

import (
	"errors"
	"fmt"
)

// ErrContractViolation marks a call made without the session state it
// requires. It indicates a defect in the caller, never a user error.
var ErrContractViolation = errors.New("contract violation")

// DocumentReceipt is returned by a successful document submission.
type DocumentReceipt struct {
	SessionID string `json:"session_id"`
}

// PersonalInfo holds what OCR extracted from the document. Either field may be
// missing when extraction failed.
type PersonalInfo struct {
	Name *string `json:"name,omitempty"`
	Age  *int    `json:"age,omitempty"`
}

// Verdict is the final payload correlating document and biometric.
type Verdict struct {
	PersonalInfo        PersonalInfo `json:"personal_info"`
	AgeGroup            string       `json:"age_group"`
	FaceMatch           bool         `json:"face_match"`
	FaceMatchConfidence float64      `json:"face_match_confidence"`
	OverallStatus       string       `json:"overall_status"`
}

// FailureKind classifies a recoverable failure.
type FailureKind string

const (
	// FailureTransport means no response was received, including timeouts.
	FailureTransport FailureKind = "transport"
	// FailureValidation means the service rejected the request.
	FailureValidation FailureKind = "validation"
	// FailureMalformed means the service answered with a body we cannot decode.
	FailureMalformed FailureKind = "malformed"
)

// Failure is a recoverable, step-local failure. Message is user facing and
// may be empty when the service supplied none.
type Failure struct {
	Kind       FailureKind
	Message    string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	switch {
	case f.StatusCode != 0 && f.Message != "":
		return fmt.Sprintf("%s failure (status %d): %s", f.Kind, f.StatusCode, f.Message)
	case f.StatusCode != 0:
		return fmt.Sprintf("%s failure (status %d)", f.Kind, f.StatusCode)
	case f.Err != nil:
		return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
	default:
		return fmt.Sprintf("%s failure: %s", f.Kind, f.Message)
	}
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure reports whether err carries a recoverable Failure.
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}
