package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jupark12/build-broker/auth"
	"github.com/jupark12/build-broker/models"
)

const multipartMemory = 32 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload stores the uploaded archive and queues a build for it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many submissions, retry later")
		return
	}
	if s.cfg.MaxPending > 0 && s.coord.PendingCount() >= s.cfg.MaxPending {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_FULL", "too many pending jobs, retry later")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
				fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "expected multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("job")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "No ZIP uploaded")
		return
	}
	defer file.Close()

	if header.Size > s.cfg.MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
			fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes))
		return
	}

	requester, err := s.requester(r, r.FormValue("email"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	buildMode := strings.TrimSpace(r.FormValue("build_mode"))
	if buildMode == "" {
		buildMode = models.DefaultBuildMode
	}

	callback := strings.TrimSpace(r.FormValue("callback_url"))
	if callback != "" && !validCallback(callback) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "callback_url must be an absolute http(s) URL")
		return
	}

	sourceURL, err := s.store.Store(r.Context(), file, header.Filename)
	if err != nil {
		s.logger.Error("Upload failed",
			zap.String("filename", header.Filename),
			zap.String("requester", requester),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	rec := models.NewJobRecord(sourceURL, buildMode, requester, callback)
	if err := s.coord.Enqueue(rec); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SubmitResponse{JobID: rec.JobID})
}

// handleNext hands the oldest pending job to the polling worker.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		workerID = r.Header.Get("X-Worker-ID")
	}
	if workerID == "" {
		workerID = r.RemoteAddr
	}

	rec, ok := s.coord.ClaimNext(workerID)
	if !ok {
		writeJSON(w, http.StatusOK, models.NoJobResponse{})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req models.ResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := req.Report()
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	rec, err := s.coord.Complete(report)
	if err != nil {
		s.logger.Warn("Rejected job result",
			zap.String("job_id", req.JobID),
			zap.String("worker_id", req.WorkerID),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	s.notifyCallback(rec)
	writeJSON(w, http.StatusOK, models.ResultResponse{OK: true, Job: rec})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	requester, err := s.requester(r, r.URL.Query().Get("email"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	jobs := s.coord.GetHistory(requester)
	if jobs == nil {
		jobs = []models.JobRecord{}
	}
	writeJSON(w, http.StatusOK, models.HistoryResponse{Jobs: jobs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.coord.Stats()
	writeJSON(w, http.StatusOK, models.StatsResponse{
		Pending:     stats.Pending,
		Active:      stats.Active,
		Completed:   stats.Completed,
		Failed:      stats.Failed,
		Subscribers: s.logs.Len(),
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coord.GetJob(chi.URLParam(r, "jobID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleLog relays one log line from a worker to live subscribers.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.coord.GetJob(jobID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req models.LogRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "message is required")
		return
	}

	delivered := s.logs.Publish(jobID, req.Message)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}

// requester resolves who is calling. A valid bearer token wins; otherwise the
// free-text email is trusted unless tokens are required.
func (s *Server) requester(r *http.Request, email string) (string, error) {
	if token, ok := bearerToken(r); ok && s.auth != nil {
		return s.auth.ParseToken(token)
	}
	if s.cfg.RequireToken {
		return "", fmt.Errorf("%w: bearer token required", auth.ErrInvalidToken)
	}

	email = auth.NormalizeEmail(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", auth.ErrInvalidInput)
	}
	return email, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

func validCallback(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
