// Package registry implements the portfolio registry core: the manager that
// owns every mutation, the read-side query service, and the admin surface
// for registry ownership and fees.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/portfolio-registry/internal/chain"
	"github.com/portfolio-registry/internal/logging"
	"github.com/portfolio-registry/internal/models"
	"github.com/portfolio-registry/internal/storage"
	"github.com/portfolio-registry/internal/types"
	"github.com/portfolio-registry/internal/validation"
)

// Repository interfaces for dependency injection

// PortfolioStore is the persistence surface the manager mutates through.
type PortfolioStore interface {
	CreatePortfolio(ctx context.Context, owner string, tokens []string, percentages []uint32, height uint64) (int64, error)
	GetPortfolio(ctx context.Context, id int64) (*models.Portfolio, error)
	UpdateAssetPercentage(ctx context.Context, id int64, slotIndex int, percentage uint32) error
	TouchRebalanced(ctx context.Context, id int64, owner string, height uint64) error
}

// EventSink receives best-effort history rows after successful mutations.
type EventSink interface {
	Insert(ctx context.Context, event *models.PortfolioEvent) error
}

// Manager orchestrates portfolio mutations. It is the only writer to the
// portfolio stores; each operation checks its preconditions in a fixed order
// so a failed call carries exactly one error kind.
type Manager struct {
	store  PortfolioStore
	clock  chain.Clock
	cache  *storage.CacheService
	events EventSink
	logger *logging.Logger
}

// NewManager creates a new portfolio manager. The cache and event sink are
// optional; a nil value disables that concern.
func NewManager(store PortfolioStore, clock chain.Clock, cache *storage.CacheService, events EventSink) *Manager {
	return &Manager{
		store:  store,
		clock:  clock,
		cache:  cache,
		events: events,
		logger: logging.GetGlobalLogger().WithField("component", "registry_manager"),
	}
}

// CreatePortfolio validates the token and percentage lists, then writes the
// portfolio header, all asset slots and the owner's index entry in one
// transaction. It returns the new portfolio id.
func (m *Manager) CreatePortfolio(ctx context.Context, caller string, tokens []string, percentages []uint32) (int64, error) {
	if len(tokens) != len(percentages) {
		return 0, &types.ServiceError{
			Code:    types.ErrCodeLengthMismatch,
			Message: fmt.Sprintf("got %d tokens but %d percentages", len(tokens), len(percentages)),
		}
	}

	if len(tokens) > types.MaxPortfolioTokens {
		return 0, &types.ServiceError{
			Code:    types.ErrCodeMaxTokensExceeded,
			Message: fmt.Sprintf("a portfolio holds at most %d tokens, got %d", types.MaxPortfolioTokens, len(tokens)),
		}
	}

	if len(tokens) < types.MinPortfolioTokens {
		return 0, &types.ServiceError{
			Code:    types.ErrCodeInvalidPortfolio,
			Message: fmt.Sprintf("a portfolio requires at least %d tokens, got %d", types.MinPortfolioTokens, len(tokens)),
		}
	}

	if !validation.ValidPercentageSet(percentages) {
		return 0, &types.ServiceError{
			Code:    types.ErrCodeInvalidPercentage,
			Message: fmt.Sprintf("target percentages must each be at most %d and sum to exactly %d", types.BasisPointsDenominator, types.BasisPointsDenominator),
		}
	}

	normalized := make([]string, len(tokens))
	for i, token := range tokens {
		if !validation.ValidTokenAddress(token) {
			return 0, &types.ServiceError{
				Code:    types.ErrCodeInvalidToken,
				Message: fmt.Sprintf("token address %q is not a valid contract address", token),
				Details: map[string]interface{}{"slotIndex": i},
			}
		}
		normalized[i] = validation.NormalizeAddress(token)
	}

	height, err := m.clock.CurrentHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read block height: %w", err)
	}

	caller = strings.ToLower(caller)

	id, err := m.store.CreatePortfolio(ctx, caller, normalized, percentages, height)
	if err != nil {
		if errors.Is(err, storage.ErrUserIndexFull) {
			return 0, &types.ServiceError{
				Code:    types.ErrCodeUserStorageFailed,
				Message: fmt.Sprintf("owner already holds the maximum of %d portfolios", types.MaxPortfoliosPerUser),
				Details: map[string]interface{}{"owner": caller},
			}
		}
		return 0, fmt.Errorf("failed to create portfolio: %w", err)
	}

	m.invalidateOwner(ctx, caller)
	m.recordEvent(ctx, &models.PortfolioEvent{
		EventType:   types.EventPortfolioCreated,
		PortfolioID: id,
		Actor:       caller,
		SlotIndex:   -1,
		BlockHeight: height,
	})

	return id, nil
}

// UpdateAllocation overwrites the target percentage of one asset slot. The
// slot's token address and current amount are preserved unchanged, and the
// portfolio-wide percentage sum is deliberately not re-validated: single-slot
// updates may drift the total away from 10000.
func (m *Manager) UpdateAllocation(ctx context.Context, caller string, portfolioID int64, slotIndex int, percentage uint32) error {
	portfolio, err := m.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		if errors.Is(err, storage.ErrPortfolioNotFound) {
			return &types.ServiceError{
				Code:    types.ErrCodeInvalidPortfolio,
				Message: fmt.Sprintf("portfolio %d does not exist", portfolioID),
			}
		}
		return fmt.Errorf("failed to load portfolio: %w", err)
	}

	if !strings.EqualFold(caller, portfolio.Owner) {
		return &types.ServiceError{
			Code:    types.ErrCodeNotAuthorized,
			Message: fmt.Sprintf("caller is not the owner of portfolio %d", portfolioID),
		}
	}

	if !validation.ValidPercentage(percentage) {
		return &types.ServiceError{
			Code:    types.ErrCodeInvalidPercentage,
			Message: fmt.Sprintf("target percentage must be at most %d, got %d", types.BasisPointsDenominator, percentage),
		}
	}

	if slotIndex < 0 || slotIndex >= portfolio.TokenCount || slotIndex >= types.MaxPortfolioTokens {
		return &types.ServiceError{
			Code:    types.ErrCodeInvalidTokenID,
			Message: fmt.Sprintf("portfolio %d has no slot %d", portfolioID, slotIndex),
		}
	}

	if err := m.store.UpdateAssetPercentage(ctx, portfolioID, slotIndex, percentage); err != nil {
		if errors.Is(err, storage.ErrAssetNotFound) {
			return &types.ServiceError{
				Code:    types.ErrCodeInvalidTokenID,
				Message: fmt.Sprintf("portfolio %d has no slot %d", portfolioID, slotIndex),
			}
		}
		return fmt.Errorf("failed to update allocation: %w", err)
	}

	m.invalidatePortfolio(ctx, portfolioID)
	m.recordEvent(ctx, &models.PortfolioEvent{
		EventType:   types.EventAllocationUpdated,
		PortfolioID: portfolioID,
		Actor:       strings.ToLower(caller),
		SlotIndex:   int32(slotIndex),
		Percentage:  percentage,
		BlockHeight: bestEffortHeight(ctx, m.clock, m.logger),
	})

	return nil
}

// Rebalance records a rebalance checkpoint by moving the portfolio's last
// rebalanced height to the current block height. No amounts move.
func (m *Manager) Rebalance(ctx context.Context, caller string, portfolioID int64) error {
	portfolio, err := m.store.GetPortfolio(ctx, portfolioID)
	if err != nil {
		if errors.Is(err, storage.ErrPortfolioNotFound) {
			return &types.ServiceError{
				Code:    types.ErrCodeInvalidPortfolio,
				Message: fmt.Sprintf("portfolio %d does not exist", portfolioID),
			}
		}
		return fmt.Errorf("failed to load portfolio: %w", err)
	}

	if !portfolio.Active {
		return &types.ServiceError{
			Code:    types.ErrCodeInvalidPortfolio,
			Message: fmt.Sprintf("portfolio %d is not active", portfolioID),
		}
	}

	if !strings.EqualFold(caller, portfolio.Owner) {
		return &types.ServiceError{
			Code:    types.ErrCodeNotAuthorized,
			Message: fmt.Sprintf("caller is not the owner of portfolio %d", portfolioID),
		}
	}

	height, err := m.clock.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to read block height: %w", err)
	}

	if err := m.store.TouchRebalanced(ctx, portfolioID, portfolio.Owner, height); err != nil {
		if errors.Is(err, storage.ErrPortfolioNotFound) {
			return &types.ServiceError{
				Code:    types.ErrCodeInvalidPortfolio,
				Message: fmt.Sprintf("portfolio %d does not exist", portfolioID),
			}
		}
		return fmt.Errorf("failed to record rebalance: %w", err)
	}

	m.invalidatePortfolio(ctx, portfolioID)
	m.recordEvent(ctx, &models.PortfolioEvent{
		EventType:   types.EventPortfolioRebalanced,
		PortfolioID: portfolioID,
		Actor:       strings.ToLower(caller),
		SlotIndex:   -1,
		BlockHeight: height,
	})

	return nil
}

// invalidateOwner drops the cached user index for an owner. Cache failures
// never fail the mutation that triggered them.
func (m *Manager) invalidateOwner(ctx context.Context, owner string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.InvalidateOwner(ctx, owner); err != nil {
		m.logger.WithError(err).WithField("owner", owner).Warn("Failed to invalidate user index cache")
	}
}

// invalidatePortfolio drops the cached header and slot entries of a portfolio.
func (m *Manager) invalidatePortfolio(ctx context.Context, portfolioID int64) {
	if m.cache == nil {
		return
	}
	if err := m.cache.InvalidatePortfolio(ctx, portfolioID); err != nil {
		m.logger.WithError(err).WithField("portfolioId", portfolioID).Warn("Failed to invalidate portfolio cache")
	}
}

// recordEvent appends a history row after a committed mutation. The history
// is best effort: failures are logged and swallowed.
func (m *Manager) recordEvent(ctx context.Context, event *models.PortfolioEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Insert(ctx, event); err != nil {
		m.logger.WithError(err).WithFields(map[string]interface{}{
			"eventType":   event.EventType,
			"portfolioId": event.PortfolioID,
		}).Warn("Failed to record portfolio event")
	}
}

// bestEffortHeight reads the block height for a history row. Event rows are
// best effort, so a clock failure degrades to height 0 instead of failing
// the mutation that already committed.
func bestEffortHeight(ctx context.Context, clock chain.Clock, logger *logging.Logger) uint64 {
	height, err := clock.CurrentHeight(ctx)
	if err != nil {
		logger.WithError(err).Debug("Block height unavailable for event row")
		return 0
	}
	return height
}
