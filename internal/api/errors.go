package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	apperrors "github.com/portfolio-registry/internal/errors"
	"github.com/portfolio-registry/internal/logging"
	"github.com/portfolio-registry/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

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

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes for failures raised by the HTTP layer itself.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// asServiceError unwraps err to the registry error kind it carries, or nil.
func asServiceError(err error) *types.ServiceError {
	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// respondServiceError categorizes err and writes the mapped status. Registry
// error kinds keep their code and message; infrastructure failures surface as
// an opaque 500 with the cause logged, never echoed.
func respondServiceError(w http.ResponseWriter, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.GetGlobalLogger().WithField("component", "api").ErrorWithErr("Request failed", err)
	}
	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}
