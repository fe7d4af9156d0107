package models

import (
	"fmt"
	"strings"
	"time"
)

// SubmitResponse is returned by the upload endpoint
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// NoJobResponse is returned by the claim endpoint when nothing is pending.
// JobID is always nil so it encodes as {"job_id": null}.
type NoJobResponse struct {
	JobID *string `json:"job_id"`
}

// ResultRequest is the body a worker posts to report a finished job
type ResultRequest struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url,omitempty"`
	Error     string `json:"error,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
}

// Report converts the wire request into a CompletionReport.
func (r ResultRequest) Report() (CompletionReport, error) {
	ok, err := ParseResultStatus(r.Status)
	if err != nil {
		return CompletionReport{}, err
	}
	return CompletionReport{
		JobID:       r.JobID,
		Success:     ok,
		OutputRef:   r.OutputURL,
		ErrorDetail: r.Error,
		WorkerID:    r.WorkerID,
	}, nil
}

// ResultResponse acknowledges a completion report
type ResultResponse struct {
	OK  bool      `json:"ok"`
	Job JobRecord `json:"job"`
}

// HistoryResponse lists a requester's finished jobs
type HistoryResponse struct {
	Jobs []JobRecord `json:"jobs"`
}

// LogRequest carries one log line pushed by a worker
type LogRequest struct {
	Message string `json:"message"`
}

// StatsResponse reports queue counters
type StatsResponse struct {
	Pending     int `json:"pending"`
	Active      int `json:"active"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Subscribers int `json:"subscribers"`
}

// ParseResultStatus interprets the free-form status string sent by workers.
func ParseResultStatus(status string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "completed", "ok":
		return true, nil
	case "failed", "failure", "error":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognized result status %q", status)
	}
}

// Credentials is the body of the register and login endpoints
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token
type LoginResponse struct {
	Message   string    `json:"message"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MessageResponse is a plain acknowledgement
type MessageResponse struct {
	Message string `json:"message"`
}

// MeResponse identifies the caller of /api/auth/me
type MeResponse struct {
	Email string `json:"email"`
}

// ErrorDetail is the payload of ErrorResponse
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
