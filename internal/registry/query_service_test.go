package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/portfolio-registry/internal/config"
	"github.com/portfolio-registry/internal/storage"
	"github.com/portfolio-registry/internal/types"
)

// newTestCache builds a real cache service over an embedded redis.
func newTestCache(t *testing.T) *storage.CacheService {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cache, err := storage.NewRedisCache(&config.RedisConfig{
		Host:           mr.Host(),
		Port:           mr.Port(),
		DB:             0,
		MaxConnections: 10,
	})
	if err != nil {
		t.Fatalf("failed to connect to miniredis: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	return storage.NewCacheService(cache, 5*time.Minute)
}

func TestQueryService_GetPortfolio(t *testing.T) {
	// Setup
	store := newMockRegistryStore()
	manager := NewManager(store, &stubClock{height: 700}, nil, nil)
	query := NewQueryService(store, nil, &stubClock{height: 700}, nil)
	ctx := context.Background()

	tokens := []string{tokenWETH, tokenUSDC, tokenWBTC}
	if _, err := manager.CreatePortfolio(ctx, testOwner, tokens, []uint32{5000, 3000, 2000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}

	// Test: the view carries the header and every slot in slot order
	view, err := query.GetPortfolio(ctx, 1)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	if view.ID != 1 || view.Owner != testOwner || view.TokenCount != 3 {
		t.Errorf("unexpected header: %+v", view.Portfolio)
	}
	if view.CreatedAtHeight != 700 {
		t.Errorf("expected creation height 700, got %d", view.CreatedAtHeight)
	}
	if len(view.Assets) != 3 {
		t.Fatalf("expected 3 assets, got %d", len(view.Assets))
	}
	for i, asset := range view.Assets {
		if asset.SlotIndex != i {
			t.Errorf("expected assets in slot order, slot %d at position %d", asset.SlotIndex, i)
		}
	}
	if view.Assets[1].TokenAddress != tokenUSDC || view.Assets[1].TargetPercentage != 3000 {
		t.Errorf("unexpected slot 1: %+v", view.Assets[1])
	}
}

func TestQueryService_GetPortfolio_NotFound(t *testing.T) {
	store := newMockRegistryStore()
	query := NewQueryService(store, nil, &stubClock{height: 700}, nil)

	_, err := query.GetPortfolio(context.Background(), 42)
	assertServiceErrorCode(t, err, types.ErrCodeInvalidPortfolio)
}

func TestQueryService_CacheRoundTrip(t *testing.T) {
	// Setup: manager and query service share one cache over miniredis
	store := newMockRegistryStore()
	clock := &stubClock{height: 1000}
	cacheService := newTestCache(t)
	manager := NewManager(store, clock, cacheService, nil)
	query := NewQueryService(store, nil, clock, cacheService)
	ctx := context.Background()

	if _, err := manager.CreatePortfolio(ctx, testOwner, twoTokens(), []uint32{5000, 5000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}

	// First read populates the cache
	view, err := query.GetPortfolio(ctx, 1)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	if view.Assets[0].TargetPercentage != 5000 {
		t.Fatalf("expected slot 0 at 5000, got %d", view.Assets[0].TargetPercentage)
	}

	// A write behind the service's back is not visible while the cached
	// view is live
	store.assets[1][0].TargetPercentage = 4242
	view, err = query.GetPortfolio(ctx, 1)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	if view.Assets[0].TargetPercentage != 5000 {
		t.Errorf("expected the cached view at 5000, got %d", view.Assets[0].TargetPercentage)
	}

	// Test: an allocation update through the manager invalidates the view,
	// so the next read sees the new percentage
	if err := manager.UpdateAllocation(ctx, testOwner, 1, 0, 6000); err != nil {
		t.Fatalf("UpdateAllocation failed: %v", err)
	}
	view, err = query.GetPortfolio(ctx, 1)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	if view.Assets[0].TargetPercentage != 6000 {
		t.Errorf("expected slot 0 at 6000 after the update, got %d", view.Assets[0].TargetPercentage)
	}

	// Test: a rebalance invalidates the cached header
	clock.height = 2000
	if err := manager.Rebalance(ctx, testOwner, 1); err != nil {
		t.Fatalf("Rebalance failed: %v", err)
	}
	view, err = query.GetPortfolio(ctx, 1)
	if err != nil {
		t.Fatalf("GetPortfolio failed: %v", err)
	}
	if view.LastRebalancedHeight != 2000 {
		t.Errorf("expected last rebalanced height 2000 after rebalance, got %d", view.LastRebalancedHeight)
	}

	// Test: a creation invalidates the owner's cached portfolio list
	owned, err := query.GetUserPortfolios(ctx, testOwner)
	if err != nil {
		t.Fatalf("GetUserPortfolios failed: %v", err)
	}
	if len(owned.PortfolioIDs) != 1 {
		t.Fatalf("expected 1 portfolio, got %v", owned.PortfolioIDs)
	}

	if _, err := manager.CreatePortfolio(ctx, testOwner, twoTokens(), []uint32{7000, 3000}); err != nil {
		t.Fatalf("second CreatePortfolio failed: %v", err)
	}
	owned, err = query.GetUserPortfolios(ctx, testOwner)
	if err != nil {
		t.Fatalf("GetUserPortfolios failed: %v", err)
	}
	if len(owned.PortfolioIDs) != 2 || owned.PortfolioIDs[1] != 2 {
		t.Errorf("expected portfolios [1 2] after the second creation, got %v", owned.PortfolioIDs)
	}
}

func TestQueryService_GetPortfolioAsset(t *testing.T) {
	// Setup
	store := newMockRegistryStore()
	manager := NewManager(store, &stubClock{height: 100}, nil, nil)
	query := NewQueryService(store, nil, &stubClock{height: 100}, nil)
	ctx := context.Background()

	if _, err := manager.CreatePortfolio(ctx, testOwner, twoTokens(), []uint32{5000, 5000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}

	// Test: an existing slot comes back intact
	asset, err := query.GetPortfolioAsset(ctx, 1, 1)
	if err != nil {
		t.Fatalf("GetPortfolioAsset failed: %v", err)
	}
	if asset.TokenAddress != tokenUSDC || asset.TargetPercentage != 5000 {
		t.Errorf("unexpected asset: %+v", asset)
	}

	// Test: a slot beyond the portfolio's size is an unknown token id
	_, err = query.GetPortfolioAsset(ctx, 1, 5)
	assertServiceErrorCode(t, err, types.ErrCodeInvalidTokenID)

	_, err = query.GetPortfolioAsset(ctx, 42, 0)
	assertServiceErrorCode(t, err, types.ErrCodeInvalidTokenID)
}

func TestQueryService_GetUserPortfolios(t *testing.T) {
	// Setup
	store := newMockRegistryStore()
	manager := NewManager(store, &stubClock{height: 100}, nil, nil)
	query := NewQueryService(store, nil, &stubClock{height: 100}, nil)
	ctx := context.Background()

	// Test: an owner with no portfolios gets an empty list, not an error
	owned, err := query.GetUserPortfolios(ctx, testOwner)
	if err != nil {
		t.Fatalf("GetUserPortfolios failed: %v", err)
	}
	if owned.PortfolioIDs == nil || len(owned.PortfolioIDs) != 0 {
		t.Errorf("expected an empty id list, got %v", owned.PortfolioIDs)
	}

	if _, err := manager.CreatePortfolio(ctx, testOwner, twoTokens(), []uint32{5000, 5000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}

	// Test: lookups are case insensitive on the owner address
	owned, err = query.GetUserPortfolios(ctx, "0xAAAA000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("GetUserPortfolios failed: %v", err)
	}
	if len(owned.PortfolioIDs) != 1 || owned.PortfolioIDs[0] != 1 {
		t.Errorf("expected [1], got %v", owned.PortfolioIDs)
	}
}

func TestQueryService_CalculateRebalanceAmounts(t *testing.T) {
	// Setup
	store := newMockRegistryStore()
	clock := &stubClock{height: 1000}
	manager := NewManager(store, clock, nil, nil)
	query := NewQueryService(store, nil, clock, nil)
	ctx := context.Background()

	if _, err := manager.CreatePortfolio(ctx, testOwner, twoTokens(), []uint32{5000, 5000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}

	// Test: a gap of exactly the rebalance interval does not qualify
	clock.height = 1000 + types.RebalanceInterval
	check, err := query.CalculateRebalanceAmounts(ctx, 1)
	if err != nil {
		t.Fatalf("CalculateRebalanceAmounts failed: %v", err)
	}
	if check.NeedsRebalance {
		t.Error("expected no rebalance need at a gap of exactly the interval")
	}
	if check.PortfolioID != 1 || check.CurrentHeight != clock.height || check.LastRebalancedHeight != 1000 {
		t.Errorf("unexpected check fields: %+v", check)
	}
	if !check.TotalValue.IsZero() {
		t.Errorf("expected zero total value, got %s", check.TotalValue)
	}

	// Test: one block past the interval qualifies
	clock.height++
	check, err = query.CalculateRebalanceAmounts(ctx, 1)
	if err != nil {
		t.Fatalf("CalculateRebalanceAmounts failed: %v", err)
	}
	if !check.NeedsRebalance {
		t.Error("expected a rebalance need one block past the interval")
	}

	_, err = query.CalculateRebalanceAmounts(ctx, 42)
	assertServiceErrorCode(t, err, types.ErrCodeInvalidPortfolio)
}

func TestQueryService_ListStalePortfolios(t *testing.T) {
	// Setup: three portfolios checkpointed at different heights
	store := newMockRegistryStore()
	clock := &stubClock{height: 1000}
	manager := NewManager(store, clock, nil, nil)
	query := NewQueryService(store, nil, clock, nil)
	ctx := context.Background()

	if _, err := manager.CreatePortfolio(ctx, testOwner, twoTokens(), []uint32{5000, 5000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}
	clock.height = 1200
	if _, err := manager.CreatePortfolio(ctx, otherUser, twoTokens(), []uint32{5000, 5000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}
	clock.height = 1300
	if _, err := manager.CreatePortfolio(ctx, testOwner, twoTokens(), []uint32{5000, 5000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}
	store.portfolios[3].Active = false

	// Test: at height 1345 portfolios 1 and 2 are past the interval; the
	// inactive portfolio 3 never shows up
	clock.height = 1200 + types.RebalanceInterval + 1
	stale, err := query.ListStalePortfolios(ctx, 0)
	if err != nil {
		t.Fatalf("ListStalePortfolios failed: %v", err)
	}
	if len(stale) != 2 || stale[0].ID != 1 || stale[1].ID != 2 {
		t.Fatalf("expected portfolios 1 and 2, got %+v", stale)
	}

	// Test: at the exact interval boundary for portfolio 2, only 1 is stale
	clock.height = 1200 + types.RebalanceInterval
	stale, err = query.ListStalePortfolios(ctx, 0)
	if err != nil {
		t.Fatalf("ListStalePortfolios failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != 1 {
		t.Fatalf("expected only portfolio 1, got %+v", stale)
	}

	// Test: the limit caps the scan
	clock.height = 1200 + types.RebalanceInterval + 1
	stale, err = query.ListStalePortfolios(ctx, 1)
	if err != nil {
		t.Fatalf("ListStalePortfolios failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != 1 {
		t.Fatalf("expected the oldest portfolio only, got %+v", stale)
	}
}

func TestQueryService_GetPortfolioEvents(t *testing.T) {
	// Setup
	store := newMockRegistryStore()
	events := &mockEventLog{}
	manager := NewManager(store, &stubClock{height: 100}, nil, events)
	query := NewQueryService(store, events, &stubClock{height: 100}, nil)
	ctx := context.Background()

	if _, err := manager.CreatePortfolio(ctx, testOwner, twoTokens(), []uint32{5000, 5000}); err != nil {
		t.Fatalf("CreatePortfolio failed: %v", err)
	}
	if err := manager.UpdateAllocation(ctx, testOwner, 1, 0, 6000); err != nil {
		t.Fatalf("UpdateAllocation failed: %v", err)
	}

	// Test: history comes back newest first
	history, err := query.GetPortfolioEvents(ctx, 1, 0, 0)
	if err != nil {
		t.Fatalf("GetPortfolioEvents failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %d", len(history))
	}
	if history[0].EventType != types.EventAllocationUpdated || history[1].EventType != types.EventPortfolioCreated {
		t.Errorf("expected newest first ordering, got %s then %s", history[0].EventType, history[1].EventType)
	}

	// Test: the offset skips past the newest rows
	history, err = query.GetPortfolioEvents(ctx, 1, 10, 1)
	if err != nil {
		t.Fatalf("GetPortfolioEvents failed: %v", err)
	}
	if len(history) != 1 || history[0].EventType != types.EventPortfolioCreated {
		t.Errorf("expected only the creation event, got %+v", history)
	}

	// Test: without an event store the history is empty, never nil
	bare := NewQueryService(store, nil, &stubClock{height: 100}, nil)
	history, err = bare.GetPortfolioEvents(ctx, 1, 0, 0)
	if err != nil {
		t.Fatalf("GetPortfolioEvents failed: %v", err)
	}
	if history == nil || len(history) != 0 {
		t.Errorf("expected an empty history, got %v", history)
	}
}
