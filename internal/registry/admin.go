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

// RegistryStateStore is the persistence surface of the admin service.
type RegistryStateStore interface {
	EnsureRegistryState(ctx context.Context, owner string) error
	GetRegistryState(ctx context.Context) (*models.RegistryState, error)
	TransferRegistryOwner(ctx context.Context, currentOwner, newOwner string) error
	SetFeeBasisPoints(ctx context.Context, currentOwner string, feeBasisPoints uint32) error
}

// AdminService manages the registry-wide configuration: the owner identity
// and the fee scalar. It never touches portfolio state.
type AdminService struct {
	store  RegistryStateStore
	clock  chain.Clock
	cache  *storage.CacheService
	events EventSink
	logger *logging.Logger
}

// NewAdminService creates a new admin service. The cache and event sink are
// optional; a nil value disables that concern.
func NewAdminService(store RegistryStateStore, clock chain.Clock, cache *storage.CacheService, events EventSink) *AdminService {
	return &AdminService{
		store:  store,
		clock:  clock,
		cache:  cache,
		events: events,
		logger: logging.GetGlobalLogger().WithField("component", "registry_admin"),
	}
}

// Bootstrap seeds the registry state row with its first owner. Seeding is
// idempotent: once the row exists, later calls leave it untouched, so a
// restarted server never overwrites a transferred ownership.
func (a *AdminService) Bootstrap(ctx context.Context, owner string) error {
	if !validation.ValidTokenAddress(owner) {
		return fmt.Errorf("registry owner %q is not a valid address", owner)
	}

	if err := a.store.EnsureRegistryState(ctx, validation.NormalizeAddress(owner)); err != nil {
		return fmt.Errorf("failed to seed registry state: %w", err)
	}

	return nil
}

// Initialize transfers registry ownership to a new owner. Only the current
// owner may transfer, and transferring to oneself is rejected.
func (a *AdminService) Initialize(ctx context.Context, caller, newOwner string) error {
	state, err := a.store.GetRegistryState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry state: %w", err)
	}

	if !strings.EqualFold(caller, state.Owner) {
		return &types.ServiceError{
			Code:    types.ErrCodeNotAuthorized,
			Message: "caller is not the registry owner",
		}
	}

	if strings.EqualFold(newOwner, caller) {
		return &types.ServiceError{
			Code:    types.ErrCodeNotAuthorized,
			Message: "registry ownership cannot be transferred to the current owner",
		}
	}

	if err := a.store.TransferRegistryOwner(ctx, caller, newOwner); err != nil {
		if errors.Is(err, storage.ErrNotRegistryOwner) {
			// Lost a race against a concurrent transfer.
			return &types.ServiceError{
				Code:    types.ErrCodeNotAuthorized,
				Message: "caller is not the registry owner",
			}
		}
		return fmt.Errorf("failed to transfer registry ownership: %w", err)
	}

	a.invalidateState(ctx)
	a.recordEvent(ctx, &models.PortfolioEvent{
		EventType: types.EventOwnerTransferred,
		// The actor column records the incoming owner; the outgoing owner
		// is the caller by construction.
		Actor:       strings.ToLower(newOwner),
		SlotIndex:   -1,
		BlockHeight: bestEffortHeight(ctx, a.clock, a.logger),
	})

	a.logger.WithFields(map[string]interface{}{
		"from": strings.ToLower(caller),
		"to":   strings.ToLower(newOwner),
	}).Info("Registry ownership transferred")

	return nil
}

// SetFee updates the protocol fee scalar. Only the registry owner may set
// it, and the fee is bounded by the basis-point denominator.
func (a *AdminService) SetFee(ctx context.Context, caller string, feeBasisPoints uint32) error {
	state, err := a.store.GetRegistryState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry state: %w", err)
	}

	if !strings.EqualFold(caller, state.Owner) {
		return &types.ServiceError{
			Code:    types.ErrCodeNotAuthorized,
			Message: "caller is not the registry owner",
		}
	}

	if !validation.ValidPercentage(feeBasisPoints) {
		return &types.ServiceError{
			Code:    types.ErrCodeInvalidPercentage,
			Message: fmt.Sprintf("fee must be at most %d basis points, got %d", types.BasisPointsDenominator, feeBasisPoints),
		}
	}

	if err := a.store.SetFeeBasisPoints(ctx, caller, feeBasisPoints); err != nil {
		if errors.Is(err, storage.ErrNotRegistryOwner) {
			return &types.ServiceError{
				Code:    types.ErrCodeNotAuthorized,
				Message: "caller is not the registry owner",
			}
		}
		return fmt.Errorf("failed to set fee: %w", err)
	}

	a.invalidateState(ctx)

	return nil
}

// GetRegistryInfo retrieves the registry configuration row.
func (a *AdminService) GetRegistryInfo(ctx context.Context) (*models.RegistryState, error) {
	var cacheKey string
	if a.cache != nil {
		cacheKey = a.cache.GenerateRegistryStateKey()

		var state models.RegistryState
		found, err := a.cache.Get(ctx, cacheKey, &state)
		if err != nil {
			a.logger.WithError(err).Debug("Registry state cache read failed")
		} else if found {
			return &state, nil
		}
	}

	state, err := a.store.GetRegistryState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry state: %w", err)
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, state); err != nil {
			a.logger.WithError(err).Debug("Registry state cache write failed")
		}
	}

	return state, nil
}

func (a *AdminService) invalidateState(ctx context.Context) {
	if a.cache == nil {
		return
	}
	if err := a.cache.InvalidateRegistryState(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to invalidate registry state cache")
	}
}

func (a *AdminService) recordEvent(ctx context.Context, event *models.PortfolioEvent) {
	if a.events == nil {
		return
	}
	if err := a.events.Insert(ctx, event); err != nil {
		a.logger.WithError(err).WithField("eventType", event.EventType).Warn("Failed to record registry event")
	}
}
