package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jupark12/build-broker/auth"
	"github.com/jupark12/build-broker/models"
	"github.com/jupark12/build-broker/queue"
	"github.com/jupark12/build-broker/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, models.ErrorResponse{
		Error: models.ErrorDetail{Code: code, Message: message},
	})
}

// errorStatus maps domain errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, queue.ErrDuplicateJob):
		return http.StatusConflict, "DUPLICATE_JOB"
	case errors.Is(err, queue.ErrUnknownJob):
		return http.StatusNotFound, "UNKNOWN_JOB"
	case errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, queue.ErrJobNotActive):
		return http.StatusConflict, "JOB_NOT_ACTIVE"
	case errors.Is(err, queue.ErrInvalidJob):
		return http.StatusBadRequest, "INVALID_JOB"
	case errors.Is(err, storage.ErrStorageUnavailable):
		return http.StatusBadGateway, "STORAGE_UNAVAILABLE"
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, "USER_EXISTS"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeDomainError writes err with its mapped status. Internal errors get a
// generic message so backend details do not leak to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
