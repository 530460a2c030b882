// Package oracle calls the external AI completion-verification service.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single verification call.
const DefaultTimeout = 30 * time.Second

// Result is the oracle's judgement on before/after evidence.
type Result struct {
	Resolved   bool
	Confidence float64
	Analysis   string
}

// UnavailableError wraps network and timeout failures. The caller persists
// nothing and may resubmit.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("verification service unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed oracle response. Not retryable; the
// submission fails loudly instead of accepting garbage as a verdict.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "verification service protocol error: " + e.Reason
}

// Client is a minimal verification-service HTTP client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Timeout:    DefaultTimeout,
	}
}

type verifyRequest struct {
	TaskID         string  `json:"task_id"`
	BeforePhotoURL string  `json:"before_photo_url"`
	AfterPhotoURL  string  `json:"after_photo_url"`
	GPSLat         float64 `json:"gps_lat"`
	GPSLon         float64 `json:"gps_lon"`
}

// Pointer fields so an absent key is distinguishable from a zero value.
type verifyResponse struct {
	IssueResolved          *bool    `json:"issue_resolved"`
	VerificationConfidence *float64 `json:"verification_confidence"`
	Analysis               *string  `json:"analysis"`
}

// Verify submits evidence and GPS for a task and returns the oracle's
// judgement. Network failures and timeouts map to UnavailableError;
// malformed responses map to ProtocolError.
func (c *Client) Verify(ctx context.Context, taskID, beforePhotoURL, afterPhotoURL string, lat, lon float64) (Result, error) {
	// Never write to the shared client; submissions verify concurrently.
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := verifyRequest{
		TaskID:         taskID,
		BeforePhotoURL: beforePhotoURL,
		AfterPhotoURL:  afterPhotoURL,
		GPSLat:         lat,
		GPSLon:         lon,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return Result{}, err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/api/v1/verify-completion"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Result{}, &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{}, &UnavailableError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &ProtocolError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))}
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, &ProtocolError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if out.IssueResolved == nil {
		return Result{}, &ProtocolError{Reason: "missing issue_resolved"}
	}
	if out.VerificationConfidence == nil {
		return Result{}, &ProtocolError{Reason: "missing verification_confidence"}
	}
	if *out.VerificationConfidence < 0 || *out.VerificationConfidence > 1 {
		return Result{}, &ProtocolError{Reason: fmt.Sprintf("confidence %v outside [0,1]", *out.VerificationConfidence)}
	}
	analysis := ""
	if out.Analysis != nil {
		analysis = *out.Analysis
	}
	return Result{
		Resolved:   *out.IssueResolved,
		Confidence: *out.VerificationConfidence,
		Analysis:   analysis,
	}, nil
}
