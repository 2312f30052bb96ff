package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeInternalError      = apperrors.CodeInternal
	ErrCodeRateLimitExceeded  = apperrors.CodeRateLimit
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// maxBodyBytes caps request bodies; crawler batches stay well below it
const maxBodyBytes = 8 << 20

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondServiceError maps a categorized error to its status code and
// envelope. Internal failures are logged and their message is hidden.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	status := apperrors.GetHTTPStatusCode(catErr)

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		respondError(w, status, catErr.Code, "An internal error occurred", nil)
		return
	}

	svcErr := catErr.ToServiceError()
	respondError(w, status, svcErr.Code, svcErr.Message, svcErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body. An empty body leaves v untouched
// when allowEmpty is set.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	err := decoder.Decode(v)
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
