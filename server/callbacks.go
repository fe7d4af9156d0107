package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jupark12/build-broker/models"
)

// DefaultCallbackTimeout bounds a single webhook delivery.
const DefaultCallbackTimeout = 10 * time.Second

// CallbackNotifier POSTs finished job records to their callback URL. Each
// delivery is attempted once.
type CallbackNotifier struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewCallbackNotifier creates a notifier. A nil client uses http.DefaultClient.
func NewCallbackNotifier(client *http.Client, timeout time.Duration, logger *zap.Logger) *CallbackNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallbackNotifier{client: client, timeout: timeout, logger: logger}
}

// Notify delivers rec to rec.CallbackRef.
func (n *CallbackNotifier) Notify(ctx context.Context, rec models.JobRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.CallbackRef, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Buildq-Job-ID", rec.JobID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}

	n.logger.Debug("Job callback delivered",
		zap.String("job_id", rec.JobID),
		zap.Int("status", resp.StatusCode))
	return nil
}

// notifyCallback delivers a finished job to its callback URL in the
// background. Deliveries stop when the server shuts down.
func (s *Server) notifyCallback(rec models.JobRecord) {
	if !rec.State.IsTerminal() || rec.CallbackRef == "" {
		return
	}

	ctx := s.bgCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.callbacks.Notify(ctx, rec); err != nil {
			s.logger.Warn("Job callback failed",
				zap.String("job_id", rec.JobID),
				zap.String("callback_url", rec.CallbackRef),
				zap.Error(err))
		}
	}()
}
