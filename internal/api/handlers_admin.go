package api

import (
	"net/http"

	"github.com/portfolio-registry/internal/validation"
)

// InitializeRequest is the body for POST /api/admin/initialize.
type InitializeRequest struct {
	NewOwner string `json:"newOwner"`
}

// SetFeeRequest is the body for PUT /api/admin/fee.
type SetFeeRequest struct {
	FeeBasisPoints uint32 `json:"feeBasisPoints"`
}

// handleInitialize handles POST /api/admin/initialize - Transfer registry ownership
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	// Parse request body
	var req InitializeRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if !validation.ValidTokenAddress(req.NewOwner) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid new owner address", nil)
		return
	}

	// Get caller identity from headers
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Valid X-Caller-Address header required", nil)
		return
	}

	if err := s.admin.Initialize(r.Context(), caller, req.NewOwner); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleSetFee handles PUT /api/admin/fee - Update the protocol fee
func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	// Parse request body
	var req SetFeeRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	// Get caller identity from headers
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Valid X-Caller-Address header required", nil)
		return
	}

	if err := s.admin.SetFee(r.Context(), caller, req.FeeBasisPoints); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleGetRegistryInfo handles GET /api/admin/registry - Registry configuration
func (s *Server) handleGetRegistryInfo(w http.ResponseWriter, r *http.Request) {
	state, err := s.admin.GetRegistryInfo(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, state)
}
