// Package workflow sequences the document, biometric and verification steps
// of one identity verification session.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/idverify/internal/capture"
	"github.com/example/idverify/internal/logging"
	"github.com/example/idverify/internal/verification"
)

var (
	// ErrWrongStep is returned when an operation is invoked outside the step it belongs to.
	ErrWrongStep = errors.New("operation not valid in current step")
	// ErrStaleResponse is returned to a caller whose response arrived after the
	// session it targeted was reset or superseded. State is left untouched.
	ErrStaleResponse = errors.New("stale response discarded")
	// ErrContractViolation aliases the client sentinel so callers need one import.
	ErrContractViolation = verification.ErrContractViolation
)

const (
	fallbackDocumentError  = "Upload failed"
	fallbackBiometricError = "Selfie upload failed"
	fallbackCaptureError   = "Could not capture selfie"
	fallbackVerifyError    = "Verification failed"

	defaultEventBuffer = 16
)

// Client is the verification service surface the workflow drives.
type Client interface {
	SubmitDocument(ctx context.Context, img *capture.Image) (*verification.DocumentReceipt, error)
	SubmitBiometric(ctx context.Context, img *capture.Image, sessionID string) error
	RequestVerdict(ctx context.Context, sessionID string) (*verification.Verdict, error)
}

// VerdictSink receives every completed verdict.
type VerdictSink interface {
	Archive(ctx context.Context, sessionID string, verdict *verification.Verdict) error
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithEventBuffer sets the capacity of the events channel.
func WithEventBuffer(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.events = make(chan Event, n)
		}
	}
}

// WithVerdictSink hands completed verdicts to sink.
func WithVerdictSink(sink VerdictSink) Option {
	return func(w *Workflow) {
		w.sink = sink
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

// dispatch tags one outstanding network call with the state it was issued for.
type dispatch struct {
	generation uint64
	step       Step
	attempt    string
	ctx        context.Context
	cancel     context.CancelFunc
}

// Workflow owns a Session and is the only component that mutates it. It is
// safe for concurrent use; the lock is never held across network calls.
type Workflow struct {
	mu sync.Mutex

	session    Session
	generation uint64
	inflight   *dispatch
	// verifyIssued guards the Verifying entry action for the current pair.
	verifyIssued bool
	closed       bool

	client Client
	sink   VerdictSink
	logger *zap.Logger
	events chan Event
	now    func() time.Time
}

// New creates a workflow in StepAwaitingDocument.
func New(client Client, logger *zap.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		session: Session{Step: StepAwaitingDocument},
		client:  client,
		logger:  logger.Named("workflow"),
		events:  make(chan Event, defaultEventBuffer),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events returns the notification stream for the presentation layer.
func (w *Workflow) Events() <-chan Event {
	return w.events
}

// Snapshot returns a copy of the current session.
func (w *Workflow) Snapshot() Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

// SubmitDocument uploads the document image and, on success, opens the session.
func (w *Workflow) SubmitDocument(ctx context.Context, img *capture.Image) (Session, error) {
	const op = "workflow.submit_document"

	w.mu.Lock()
	d, err := w.beginLocked(ctx, op, StepAwaitingDocument)
	if err != nil {
		snap := w.session
		w.mu.Unlock()
		return snap, err
	}
	w.mu.Unlock()
	defer d.cancel()

	receipt, err := w.client.SubmitDocument(d.ctx, img)
	if err == nil && (receipt == nil || receipt.SessionID == "") {
		err = &verification.Failure{Kind: verification.FailureMalformed}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.settleLocked(op, d) {
		return w.session, fmt.Errorf("%s: %w", op, ErrStaleResponse)
	}
	if err != nil {
		return w.session, w.failLocked(op, err, fallbackDocumentError)
	}

	w.session.ID = receipt.SessionID
	w.session.Document = img
	w.advanceLocked(StepAwaitingBiometric)
	w.opLoggerLocked(op).Info("document accepted")
	return w.session, nil
}

// SubmitBiometric uploads the selfie for the open session. On success the
// workflow enters StepVerifying and requests the verdict before returning.
func (w *Workflow) SubmitBiometric(ctx context.Context, img *capture.Image) (Session, error) {
	w.mu.Lock()
	return w.uploadBiometricLocked(ctx, "workflow.submit_biometric", img)
}

// CaptureBiometric samples a frame from adapter and submits it as the biometric.
// The capture is the step's outstanding call: Reset or a newer attempt
// discards the frame.
func (w *Workflow) CaptureBiometric(ctx context.Context, adapter capture.Adapter) (Session, error) {
	const op = "workflow.capture_biometric"

	w.mu.Lock()
	if w.session.Step == StepAwaitingBiometric && w.session.ID == "" {
		snap := w.session
		w.mu.Unlock()
		return snap, w.contractViolation(op, snap.Step, "biometric capture without session id")
	}
	d, err := w.beginLocked(ctx, op, StepAwaitingBiometric)
	if err != nil {
		snap := w.session
		w.mu.Unlock()
		return snap, err
	}
	w.mu.Unlock()

	img, err := captureFrame(d.ctx, adapter)
	d.cancel()

	w.mu.Lock()
	if !w.settleLocked(op, d) {
		snap := w.session
		w.mu.Unlock()
		return snap, fmt.Errorf("%s: %w", op, ErrStaleResponse)
	}
	if err != nil {
		failErr := w.failLocked(op, err, fallbackCaptureError)
		snap := w.session
		w.mu.Unlock()
		return snap, failErr
	}
	return w.uploadBiometricLocked(ctx, op, img)
}

// uploadBiometricLocked must be called with w.mu held; it releases the lock.
func (w *Workflow) uploadBiometricLocked(ctx context.Context, op string, img *capture.Image) (Session, error) {
	if w.session.Step == StepAwaitingBiometric && w.session.ID == "" {
		snap := w.session
		w.mu.Unlock()
		return snap, w.contractViolation(op, snap.Step, "biometric submission without session id")
	}
	d, err := w.beginLocked(ctx, op, StepAwaitingBiometric)
	if err != nil {
		snap := w.session
		w.mu.Unlock()
		return snap, err
	}
	sessionID := w.session.ID
	w.mu.Unlock()
	defer d.cancel()

	err = w.client.SubmitBiometric(d.ctx, img, sessionID)

	w.mu.Lock()
	if !w.settleLocked(op, d) {
		snap := w.session
		w.mu.Unlock()
		return snap, fmt.Errorf("%s: %w", op, ErrStaleResponse)
	}
	if err != nil {
		failErr := w.failLocked(op, err, fallbackBiometricError)
		snap := w.session
		w.mu.Unlock()
		return snap, failErr
	}

	w.session.Biometric = img
	w.verifyIssued = false
	w.advanceLocked(StepVerifying)
	generation := w.generation
	w.mu.Unlock()

	logging.WithStep(w.logger, op, sessionID, string(StepVerifying)).Info("biometric accepted")
	return w.runVerification(ctx, generation)
}

// RunVerification is the entry action of StepVerifying. The request is issued
// once per document and biometric pair; calls made while it is in flight are
// no-ops. A failed request may be retried by calling it again.
func (w *Workflow) RunVerification(ctx context.Context) (Session, error) {
	w.mu.Lock()
	generation := w.generation
	w.mu.Unlock()
	return w.runVerification(ctx, generation)
}

// Reset discards the session and returns to StepAwaitingDocument. Responses to
// calls still in flight are ignored when they arrive.
func (w *Workflow) Reset() Session {
	w.mu.Lock()
	defer w.mu.Unlock()

	previous := w.session.ID
	if w.inflight != nil {
		w.inflight.cancel()
		w.inflight = nil
	}
	w.generation++
	w.verifyIssued = false
	w.session = Session{Step: StepAwaitingDocument}
	w.emitLocked(Event{Type: EventReset, Step: StepAwaitingDocument})

	logging.WithOperation(w.logger, "workflow.reset", previous).Info("session reset", zap.Uint64("generation", w.generation))
	return w.session
}

// Close cancels any in-flight call and closes the events channel. The session
// remains readable through Snapshot.
func (w *Workflow) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.inflight != nil {
		w.inflight.cancel()
		w.inflight = nil
	}
	w.closed = true
	close(w.events)
}

func (w *Workflow) runVerification(ctx context.Context, generation uint64) (Session, error) {
	const op = "workflow.run_verification"

	w.mu.Lock()
	if w.generation != generation {
		snap := w.session
		w.mu.Unlock()
		return snap, nil
	}
	if w.session.Step != StepVerifying {
		snap := w.session
		w.mu.Unlock()
		return snap, fmt.Errorf("%s in %s: %w", op, snap.Step, ErrWrongStep)
	}
	if w.verifyIssued {
		snap := w.session
		w.mu.Unlock()
		logging.WithStep(w.logger, op, snap.ID, string(snap.Step)).Debug("verification already issued")
		return snap, nil
	}
	if w.session.ID == "" {
		snap := w.session
		w.mu.Unlock()
		return snap, w.contractViolation(op, snap.Step, "verification without session id")
	}
	d, err := w.beginLocked(ctx, op, StepVerifying)
	if err != nil {
		snap := w.session
		w.mu.Unlock()
		return snap, err
	}
	w.verifyIssued = true
	sessionID := w.session.ID
	w.mu.Unlock()
	defer d.cancel()

	verdict, err := w.client.RequestVerdict(d.ctx, sessionID)

	w.mu.Lock()
	if !w.settleLocked(op, d) {
		snap := w.session
		w.mu.Unlock()
		return snap, fmt.Errorf("%s: %w", op, ErrStaleResponse)
	}
	if err != nil {
		w.verifyIssued = false
		failErr := w.failLocked(op, err, fallbackVerifyError)
		snap := w.session
		w.mu.Unlock()
		return snap, failErr
	}
	if w.session.Verdict == nil {
		w.session.Verdict = verdict
	}
	w.advanceLocked(StepCompleted)
	w.emitLocked(Event{Type: EventCompleted, Step: StepCompleted, SessionID: sessionID})
	snap := w.session
	sink := w.sink
	w.mu.Unlock()

	opLogger := logging.WithStep(w.logger, op, sessionID, string(StepCompleted))
	opLogger.Info("verification completed", zap.String("overall_status", verdict.OverallStatus))
	if sink != nil {
		if err := sink.Archive(ctx, sessionID, snap.Verdict); err != nil {
			opLogger.Warn("failed to archive verdict", zap.Error(err))
		}
	}
	return snap, nil
}

// beginLocked validates the step and registers a new outstanding call,
// superseding any earlier call for the same step.
func (w *Workflow) beginLocked(ctx context.Context, op string, step Step) (*dispatch, error) {
	if w.session.Step != step {
		return nil, fmt.Errorf("%s in %s: %w", op, w.session.Step, ErrWrongStep)
	}
	if prev := w.inflight; prev != nil {
		w.opLoggerLocked(op).Info("superseding in-flight attempt", zap.String("attempt", prev.attempt))
		prev.cancel()
	}

	callCtx, cancel := context.WithCancel(ctx)
	d := &dispatch{
		generation: w.generation,
		step:       step,
		attempt:    uuid.NewString(),
		ctx:        callCtx,
		cancel:     cancel,
	}
	w.inflight = d
	w.session.LastError = ""
	return d, nil
}

// settleLocked reports whether d is still the call the session is waiting on.
func (w *Workflow) settleLocked(op string, d *dispatch) bool {
	if w.inflight != d || w.generation != d.generation || w.session.Step != d.step {
		w.opLoggerLocked(op).Info("discarding stale response",
			zap.String("attempt", d.attempt),
			zap.Uint64("dispatch_generation", d.generation),
			zap.Uint64("current_generation", w.generation),
		)
		return false
	}
	w.inflight = nil
	return true
}

// failLocked records a recoverable failure on the session. Contract
// violations are returned instead.
func (w *Workflow) failLocked(op string, err error, fallback string) error {
	if errors.Is(err, ErrContractViolation) {
		w.logger.Error("contract violation", zap.String("operation", op), zap.Error(err))
		return err
	}

	message := fallback
	if failure, ok := verification.AsFailure(err); ok && failure.Message != "" {
		message = failure.Message
	}
	w.session.LastError = message
	w.emitLocked(Event{Type: EventFailed, Step: w.session.Step, SessionID: w.session.ID, Message: message})
	w.opLoggerLocked(op).Info("step failed", zap.String("message", message), zap.Error(err))
	return nil
}

func (w *Workflow) advanceLocked(step Step) {
	w.session.Step = step
	w.emitLocked(Event{Type: EventStepChanged, Step: step, SessionID: w.session.ID})
}

func (w *Workflow) emitLocked(ev Event) {
	if w.closed {
		return
	}
	ev.At = w.now()
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("event buffer full, dropping event", zap.String("type", string(ev.Type)), zap.String("step", string(ev.Step)))
	}
}

func (w *Workflow) opLoggerLocked(op string) *zap.Logger {
	return logging.WithStep(w.logger, op, w.session.ID, string(w.session.Step))
}

func (w *Workflow) contractViolation(op string, step Step, detail string) error {
	err := logging.NewStepError(op, "", string(step), fmt.Errorf("%w: %s", ErrContractViolation, detail))
	w.logger.Error("contract violation", zap.Error(err))
	return err
}

func captureFrame(ctx context.Context, adapter capture.Adapter) (*capture.Image, error) {
	if err := adapter.StartStream(ctx); err != nil {
		return nil, fmt.Errorf("start stream: %w", err)
	}
	img, err := adapter.CaptureFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture frame: %w", err)
	}
	return img, nil
}
