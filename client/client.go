// Package client talks to a build broker over HTTP. It is used by worker
// agents and by the command-line submit and history commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jupark12/build-broker/models"
)

// APIError is a non-2xx response from the broker.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broker returned %d: %s", e.StatusCode, e.Message)
}

// Client is a broker API client.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for the broker at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitRequest carries the form fields of an upload.
type SubmitRequest struct {
	BuildMode   string
	Email       string
	CallbackURL string
}

// Submit uploads an archive and returns the new job id. The body is streamed.
func (c *Client) Submit(ctx context.Context, archive io.Reader, filename string, req SubmitRequest) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeSubmitForm(mw, archive, filename, req)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/jobs/upload", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var out models.SubmitResponse
	if err := c.do(httpReq, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func writeSubmitForm(mw *multipart.Writer, archive io.Reader, filename string, req SubmitRequest) error {
	fields := map[string]string{
		"build_mode":   req.BuildMode,
		"email":        req.Email,
		"callback_url": req.CallbackURL,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("job", filename)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, archive)
	return err
}

// NextJob claims the oldest pending job. It returns nil when nothing is pending.
func (c *Client) NextJob(ctx context.Context, workerID string) (*models.JobRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/next?worker_id="+url.QueryEscape(workerID), nil)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := c.do(req, &raw); err != nil {
		return nil, err
	}

	var probe models.NoJobResponse
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	if probe.JobID == nil {
		return nil, nil
	}

	var rec models.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	return &rec, nil
}

// ReportResult posts a completion report.
func (c *Client) ReportResult(ctx context.Context, result models.ResultRequest) (models.JobRecord, error) {
	var out models.ResultResponse
	if err := c.postJSON(ctx, "/jobs/result", result, &out); err != nil {
		return models.JobRecord{}, err
	}
	return out.Job, nil
}

// PublishLog relays one log line for jobID.
func (c *Client) PublishLog(ctx context.Context, jobID, message string) error {
	return c.postJSON(ctx, "/jobs/"+url.PathEscape(jobID)+"/logs", models.LogRequest{Message: message}, nil)
}

// History lists finished jobs for email, or for the token holder when email
// is empty.
func (c *Client) History(ctx context.Context, email string) ([]models.JobRecord, error) {
	path := "/jobs/history"
	if email != "" {
		path += "?email=" + url.QueryEscape(email)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var out models.HistoryResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Job fetches the current record for jobID.
func (c *Client) Job(ctx context.Context, jobID string) (models.JobRecord, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return models.JobRecord{}, err
	}

	var rec models.JobRecord
	if err := c.do(req, &rec); err != nil {
		return models.JobRecord{}, err
	}
	return rec, nil
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, email, password string) error {
	return c.postJSON(ctx, "/api/auth/register", models.Credentials{Email: email, Password: password}, nil)
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (models.LoginResponse, error) {
	var out models.LoginResponse
	err := c.postJSON(ctx, "/api/auth/login", models.Credentials{Email: email, Password: password}, &out)
	return out, err
}

// Download streams the body at rawURL into w. rawURL may point anywhere, not
// only at the broker.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &APIError{StatusCode: resp.StatusCode, Message: "download failed: " + resp.Status}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s: %w", rawURL, err)
	}
	return n, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var body models.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error.Code != "" {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
