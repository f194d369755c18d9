package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/portfolio-registry/internal/validation"
)

// handleGetUserPortfolios handles GET /api/users/{owner}/portfolios - Per-owner portfolio index
func (s *Server) handleGetUserPortfolios(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	if !validation.ValidTokenAddress(owner) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid owner address", nil)
		return
	}

	portfolios, err := s.querier.GetUserPortfolios(r.Context(), owner)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, portfolios)
}
