// Package verification talks to the remote verification service that runs
// OCR on identity documents and matches them against a live selfie.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/idverify/internal/capture"
	"github.com/example/idverify/internal/logging"
)

const (
	DocumentPath  = "/upload-aadhaar"
	BiometricPath = "/upload-selfie"
	VerifyPath    = "/verify"
	HealthPath    = "/"

	// DefaultTimeout bounds every call when no timeout is configured.
	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// Client issues the document, biometric and verification calls.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient creates a client for the service at baseURL. A non-positive
// timeout falls back to DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     logger.Named("verification_client"),
	}
}

// SubmitDocument uploads the document image and returns the new session id.
func (c *Client) SubmitDocument(ctx context.Context, img *capture.Image) (*DocumentReceipt, error) {
	if img.Size() == 0 {
		return nil, &Failure{Kind: FailureValidation, Message: "No file provided", Err: capture.ErrEmptyImage}
	}

	body, contentType, err := encodeMultipart(img, nil)
	if err != nil {
		return nil, logging.NewOperationError("verification.submit_document", "", err)
	}

	var receipt DocumentReceipt
	if err := c.do(ctx, "verification.submit_document", "", DocumentPath, contentType, body, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// SubmitBiometric uploads the selfie for an existing session.
func (c *Client) SubmitBiometric(ctx context.Context, img *capture.Image, sessionID string) error {
	if sessionID == "" {
		return logging.NewOperationError("verification.submit_biometric", "", fmt.Errorf("%w: session id is required", ErrContractViolation))
	}
	if img.Size() == 0 {
		return &Failure{Kind: FailureValidation, Message: "No file provided", Err: capture.ErrEmptyImage}
	}

	body, contentType, err := encodeMultipart(img, map[string]string{"session_id": sessionID})
	if err != nil {
		return logging.NewOperationError("verification.submit_biometric", sessionID, err)
	}
	return c.do(ctx, "verification.submit_biometric", sessionID, BiometricPath, contentType, body, nil)
}

// RequestVerdict asks the service to correlate both submitted images.
func (c *Client) RequestVerdict(ctx context.Context, sessionID string) (*Verdict, error) {
	if sessionID == "" {
		return nil, logging.NewOperationError("verification.request_verdict", "", fmt.Errorf("%w: session id is required", ErrContractViolation))
	}

	payload, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return nil, logging.NewOperationError("verification.request_verdict", sessionID, err)
	}

	var verdict Verdict
	if err := c.do(ctx, "verification.request_verdict", sessionID, VerifyPath, "application/json", bytes.NewReader(payload), &verdict); err != nil {
		return nil, err
	}
	return &verdict, nil
}

// HealthCheck verifies the service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, operation, sessionID, path, contentType string, body io.Reader, out any) error {
	opLogger := logging.WithOperation(c.logger, operation, sessionID)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return logging.NewOperationError(operation, sessionID, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		failure := &Failure{
			Kind:    FailureTransport,
			Message: "Verification service unreachable",
			Err:     logging.NewOperationError(operation, sessionID, err),
		}
		if errors.Is(err, context.DeadlineExceeded) {
			failure.Message = "Verification service timed out"
		}
		opLogger.Warn("request failed", zap.Error(failure.Err))
		return failure
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		failure := &Failure{
			Kind:    FailureTransport,
			Message: "Verification service unreachable",
			Err:     logging.NewOperationError(operation, sessionID, err),
		}
		opLogger.Warn("failed to read response", zap.Error(failure.Err))
		return failure
	}

	opLogger.Debug("response received",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		failure := &Failure{
			Kind:       FailureValidation,
			Message:    serviceError(raw),
			StatusCode: resp.StatusCode,
		}
		opLogger.Info("service rejected request", zap.Int("status", resp.StatusCode), zap.String("message", failure.Message))
		return failure
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		failure := &Failure{
			Kind:       FailureMalformed,
			Message:    "Unexpected response from verification service",
			StatusCode: resp.StatusCode,
			Err:        logging.NewOperationError(operation, sessionID, err),
		}
		opLogger.Warn("failed to decode response", zap.Error(failure.Err))
		return failure
	}
	return nil
}

// serviceError extracts the "error" field of a failure body, if any.
func serviceError(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Error)
}

func encodeMultipart(img *capture.Image, fields map[string]string) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, img.Filename))
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write image: %w", err)
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf, writer.FormDataContentType(), nil
}
