package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/jobrelay/internal/interfaces"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteStarted writes a standard "started" JSON response for async operations.
func WriteStarted(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"message": message,
	})
}

// DecodeJSON reads a bounded JSON body into v. It writes a 400 and returns false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// StatusForError maps service sentinels to HTTP status codes
func StatusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidJob),
		errors.Is(err, interfaces.ErrMissingContext),
		errors.Is(err, interfaces.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrContextClosed):
		return http.StatusGone
	case errors.Is(err, interfaces.ErrRunInProgress),
		errors.Is(err, interfaces.ErrPublishInProgress),
		errors.Is(err, interfaces.ErrAccountBusy):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrAuthentication):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrPoolClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
