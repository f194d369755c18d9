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
	"github.com/shopspring/decimal"
)

// Query limits applied when the caller does not set one.
const (
	DefaultQueryLimit = 50
	MaxQueryLimit     = 1000
)

// RegistryReader is the read-only persistence surface of the query service.
type RegistryReader interface {
	GetPortfolio(ctx context.Context, id int64) (*models.Portfolio, error)
	GetAsset(ctx context.Context, id int64, slotIndex int) (*models.PortfolioAsset, error)
	GetPortfolioAssets(ctx context.Context, id int64) ([]*models.PortfolioAsset, error)
	GetUserPortfolios(ctx context.Context, owner string) (*models.UserPortfolios, error)
	ListStalePortfolios(ctx context.Context, height, interval uint64, limit int) ([]*models.Portfolio, error)
}

// EventQuerier pages the portfolio event history.
type EventQuerier interface {
	GetByPortfolio(ctx context.Context, portfolioID int64, limit, offset int) ([]*models.PortfolioEvent, error)
}

// QueryService serves read-only registry lookups. Reads go through the Redis
// cache when one is configured and fall back to the stores on miss; mutations
// elsewhere invalidate the affected keys, so repeated reads return identical
// values until something actually changes.
type QueryService struct {
	store  RegistryReader
	events EventQuerier
	clock  chain.Clock
	cache  *storage.CacheService
	logger *logging.Logger
}

// NewQueryService creates a new query service. The event querier and cache
// are optional; a nil value disables that concern.
func NewQueryService(store RegistryReader, events EventQuerier, clock chain.Clock, cache *storage.CacheService) *QueryService {
	return &QueryService{
		store:  store,
		events: events,
		clock:  clock,
		cache:  cache,
		logger: logging.GetGlobalLogger().WithField("component", "registry_query"),
	}
}

// PortfolioView is a portfolio header together with its asset slots, ordered
// by slot index.
type PortfolioView struct {
	models.Portfolio
	Assets []*models.PortfolioAsset `json:"assets"`
}

// RebalanceCheck reports whether a portfolio's last rebalance checkpoint has
// fallen further behind the chain head than the rebalance interval.
type RebalanceCheck struct {
	PortfolioID          int64           `json:"portfolioId"`
	TotalValue           decimal.Decimal `json:"totalValue"`
	NeedsRebalance       bool            `json:"needsRebalance"`
	CurrentHeight        uint64          `json:"currentHeight"`
	LastRebalancedHeight uint64          `json:"lastRebalancedHeight"`
}

// GetPortfolio retrieves a portfolio with all of its asset slots.
func (s *QueryService) GetPortfolio(ctx context.Context, id int64) (*PortfolioView, error) {
	var cacheKey string
	if s.cache != nil {
		cacheKey = s.cache.GeneratePortfolioKey(id)

		var view PortfolioView
		found, err := s.cache.Get(ctx, cacheKey, &view)
		if err != nil {
			s.logger.WithError(err).WithField("portfolioId", id).Debug("Portfolio cache read failed")
		} else if found {
			return &view, nil
		}
	}

	portfolio, err := s.store.GetPortfolio(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrPortfolioNotFound) {
			return nil, &types.ServiceError{
				Code:    types.ErrCodeInvalidPortfolio,
				Message: fmt.Sprintf("portfolio %d does not exist", id),
			}
		}
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}

	assets, err := s.store.GetPortfolioAssets(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio assets: %w", err)
	}

	view := &PortfolioView{Portfolio: *portfolio, Assets: assets}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, view); err != nil {
			s.logger.WithError(err).WithField("portfolioId", id).Debug("Portfolio cache write failed")
		}
	}

	return view, nil
}

// GetPortfolioAsset retrieves a single asset slot.
func (s *QueryService) GetPortfolioAsset(ctx context.Context, id int64, slotIndex int) (*models.PortfolioAsset, error) {
	var cacheKey string
	if s.cache != nil {
		cacheKey = s.cache.GenerateAssetKey(id, slotIndex)

		var asset models.PortfolioAsset
		found, err := s.cache.Get(ctx, cacheKey, &asset)
		if err != nil {
			s.logger.WithError(err).WithField("portfolioId", id).Debug("Asset cache read failed")
		} else if found {
			return &asset, nil
		}
	}

	asset, err := s.store.GetAsset(ctx, id, slotIndex)
	if err != nil {
		if errors.Is(err, storage.ErrAssetNotFound) {
			return nil, &types.ServiceError{
				Code:    types.ErrCodeInvalidTokenID,
				Message: fmt.Sprintf("portfolio %d has no slot %d", id, slotIndex),
			}
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, asset); err != nil {
			s.logger.WithError(err).WithField("portfolioId", id).Debug("Asset cache write failed")
		}
	}

	return asset, nil
}

// GetUserPortfolios retrieves the ordered portfolio id list of an owner. An
// owner with no portfolios gets an empty list, not an error.
func (s *QueryService) GetUserPortfolios(ctx context.Context, owner string) (*models.UserPortfolios, error) {
	owner = strings.ToLower(owner)

	var cacheKey string
	if s.cache != nil {
		cacheKey = s.cache.GenerateUserPortfoliosKey(owner)

		var index models.UserPortfolios
		found, err := s.cache.Get(ctx, cacheKey, &index)
		if err != nil {
			s.logger.WithError(err).WithField("owner", owner).Debug("User index cache read failed")
		} else if found {
			return &index, nil
		}
	}

	index, err := s.store.GetUserPortfolios(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to get user portfolios: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, index); err != nil {
			s.logger.WithError(err).WithField("owner", owner).Debug("User index cache write failed")
		}
	}

	return index, nil
}

// CalculateRebalanceAmounts reports the rebalance staleness of a portfolio.
// A portfolio needs a rebalance when the chain head is strictly more than
// the rebalance interval past its last checkpoint; a gap of exactly the
// interval does not qualify.
func (s *QueryService) CalculateRebalanceAmounts(ctx context.Context, id int64) (*RebalanceCheck, error) {
	view, err := s.GetPortfolio(ctx, id)
	if err != nil {
		return nil, err
	}

	height, err := s.clock.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read block height: %w", err)
	}

	return &RebalanceCheck{
		PortfolioID:          view.ID,
		TotalValue:           view.TotalValue,
		NeedsRebalance:       height > view.LastRebalancedHeight+types.RebalanceInterval,
		CurrentHeight:        height,
		LastRebalancedHeight: view.LastRebalancedHeight,
	}, nil
}

// ListStalePortfolios returns active portfolios whose last rebalance is more
// than the rebalance interval behind the chain head, oldest first.
func (s *QueryService) ListStalePortfolios(ctx context.Context, limit int) ([]*models.Portfolio, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}

	height, err := s.clock.CurrentHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read block height: %w", err)
	}

	portfolios, err := s.store.ListStalePortfolios(ctx, height, types.RebalanceInterval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale portfolios: %w", err)
	}

	return portfolios, nil
}

// GetPortfolioEvents retrieves recent history rows of a portfolio, newest
// first. Deployments without an event store get an empty list.
func (s *QueryService) GetPortfolioEvents(ctx context.Context, id int64, limit, offset int) ([]*models.PortfolioEvent, error) {
	if s.events == nil {
		return []*models.PortfolioEvent{}, nil
	}

	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	if offset < 0 {
		offset = 0
	}

	events, err := s.events.GetByPortfolio(ctx, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load portfolio events: %w", err)
	}

	if events == nil {
		events = []*models.PortfolioEvent{}
	}

	return events, nil
}
