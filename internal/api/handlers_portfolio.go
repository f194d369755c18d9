package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/portfolio-registry/internal/models"
	"github.com/portfolio-registry/internal/types"
	"github.com/portfolio-registry/internal/validation"
)

// CreatePortfolioRequest is the body for POST /api/portfolios.
type CreatePortfolioRequest struct {
	Tokens      []string `json:"tokens"`
	Percentages []uint32 `json:"percentages"`
}

// CreatePortfolioResponse carries the id assigned to a new portfolio.
type CreatePortfolioResponse struct {
	PortfolioID int64 `json:"portfolioId"`
}

// UpdateAllocationRequest is the body for PUT /api/portfolios/{id}/allocations/{slot}.
type UpdateAllocationRequest struct {
	Percentage uint32 `json:"percentage"`
}

// PortfolioEventsResponse pages through a portfolio's event history.
type PortfolioEventsResponse struct {
	Events []*models.PortfolioEvent `json:"events"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// StalePortfoliosResponse lists portfolios whose rebalance checkpoint has
// fallen behind the chain head by more than the rebalance interval.
type StalePortfoliosResponse struct {
	Portfolios []*models.Portfolio `json:"portfolios"`
	Count      int                 `json:"count"`
}

// callerAddress extracts the caller identity supplied by the authenticating
// gateway. ok is false when the header is missing or not a well-formed
// address.
func callerAddress(r *http.Request) (string, bool) {
	caller := r.Header.Get("X-Caller-Address")
	if !validation.ValidTokenAddress(caller) {
		return "", false
	}
	return caller, true
}

// parsePortfolioID extracts the {id} path variable.
func parsePortfolioID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

// parseSlotIndex extracts the {slot} path variable.
func parseSlotIndex(r *http.Request) (int, error) {
	return strconv.Atoi(mux.Vars(r)["slot"])
}

// parsePagination reads limit and offset query parameters, responding with a
// 400 itself when either is malformed. limit is capped at 500.
func parsePagination(w http.ResponseWriter, r *http.Request, defaultLimit int) (limit, offset int, ok bool) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid limit parameter", nil)
			return 0, 0, false
		}
		limit = n
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid offset parameter", nil)
			return 0, 0, false
		}
		offset = n
	}

	return limit, offset, true
}

// handleCreatePortfolio handles POST /api/portfolios - Create portfolio
func (s *Server) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	// Parse request body
	var req CreatePortfolioRequest
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

	id, err := s.manager.CreatePortfolio(r.Context(), caller, req.Tokens, req.Percentages)
	if err != nil {
		// On this path INVALID_PORTFOLIO reports a token list below the
		// minimum size, not a missing row.
		if svcErr := asServiceError(err); svcErr != nil && svcErr.Code == types.ErrCodeInvalidPortfolio {
			respondError(w, http.StatusBadRequest, svcErr.Code, svcErr.Message, svcErr.Details)
			return
		}
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, CreatePortfolioResponse{PortfolioID: id})
}

// handleGetPortfolio handles GET /api/portfolios/{id} - Get portfolio with assets
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid portfolio id", nil)
		return
	}

	view, err := s.querier.GetPortfolio(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleGetPortfolioAsset handles GET /api/portfolios/{id}/assets/{slot} - Get one asset slot
func (s *Server) handleGetPortfolioAsset(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid portfolio id", nil)
		return
	}

	slot, err := parseSlotIndex(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid slot index", nil)
		return
	}

	asset, err := s.querier.GetPortfolioAsset(r.Context(), id, slot)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, asset)
}

// handleUpdateAllocation handles PUT /api/portfolios/{id}/allocations/{slot} - Update one slot's target
func (s *Server) handleUpdateAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid portfolio id", nil)
		return
	}

	slot, err := parseSlotIndex(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid slot index", nil)
		return
	}

	// Parse request body
	var req UpdateAllocationRequest
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

	if err := s.manager.UpdateAllocation(r.Context(), caller, id, slot, req.Percentage); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleRebalance handles POST /api/portfolios/{id}/rebalance - Move the rebalance checkpoint
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid portfolio id", nil)
		return
	}

	// Get caller identity from headers
	caller, ok := callerAddress(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Valid X-Caller-Address header required", nil)
		return
	}

	if err := s.manager.Rebalance(r.Context(), caller, id); err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleRebalanceCheck handles GET /api/portfolios/{id}/rebalance-check - Staleness query
func (s *Server) handleRebalanceCheck(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid portfolio id", nil)
		return
	}

	check, err := s.querier.CalculateRebalanceAmounts(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, check)
}

// handleGetPortfolioEvents handles GET /api/portfolios/{id}/events - Event history
func (s *Server) handleGetPortfolioEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parsePortfolioID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid portfolio id", nil)
		return
	}

	limit, offset, ok := parsePagination(w, r, 50)
	if !ok {
		return
	}

	events, err := s.querier.GetPortfolioEvents(r.Context(), id, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if events == nil {
		events = []*models.PortfolioEvent{}
	}

	respondJSON(w, http.StatusOK, PortfolioEventsResponse{
		Events: events,
		Limit:  limit,
		Offset: offset,
	})
}

// handleListStalePortfolios handles GET /api/portfolios/stale - Portfolios past the rebalance interval
func (s *Server) handleListStalePortfolios(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := parsePagination(w, r, 100)
	if !ok {
		return
	}

	portfolios, err := s.querier.ListStalePortfolios(r.Context(), limit)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	if portfolios == nil {
		portfolios = []*models.Portfolio{}
	}

	respondJSON(w, http.StatusOK, StalePortfoliosResponse{
		Portfolios: portfolios,
		Count:      len(portfolios),
	})
}
