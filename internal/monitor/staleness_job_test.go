package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/portfolio-registry/internal/models"
	"github.com/portfolio-registry/internal/ratelimit"
	"github.com/portfolio-registry/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Stub collaborators for testing

type stubClock struct {
	height uint64
	err    error
	calls  int
}

func (c *stubClock) CurrentHeight(ctx context.Context) (uint64, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	return c.height, nil
}

func (c *stubClock) Close() {}

// scanRecorder serves a fixed stale set and captures the scan arguments.
type scanRecorder struct {
	stale    []*models.Portfolio
	err      error
	height   uint64
	interval uint64
	limit    int
	calls    int
}

func (s *scanRecorder) ListStalePortfolios(ctx context.Context, height, interval uint64, limit int) ([]*models.Portfolio, error) {
	s.calls++
	s.height = height
	s.interval = interval
	s.limit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.stale, nil
}

type eventRecorder struct {
	rows       []*models.PortfolioEvent
	shouldFail bool
}

func (e *eventRecorder) BatchInsert(ctx context.Context, events []*models.PortfolioEvent) error {
	if e.shouldFail {
		return errors.New("event store unavailable")
	}
	e.rows = append(e.rows, events...)
	return nil
}

func stalePortfolio(id int64, owner string, lastRebalanced uint64) *models.Portfolio {
	return &models.Portfolio{
		ID:                   id,
		Owner:                owner,
		CreatedAtHeight:      lastRebalanced,
		LastRebalancedHeight: lastRebalanced,
		TotalValue:           decimal.Zero,
		Active:               true,
		TokenCount:           2,
	}
}

// newTestController builds a controller over a real tracker backed by
// miniredis, returning the tracker for budget manipulation.
func newTestController(t *testing.T, total, reserved int) (*ratelimit.MonitorRateController, *ratelimit.RPCBudgetTracker) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tracker, err := ratelimit.NewRPCBudgetTracker(&ratelimit.RPCBudgetTrackerConfig{
		Redis:          client,
		TotalBudget:    total,
		ReservedBudget: reserved,
		WindowSize:     time.Hour,
		KeyTTL:         2 * time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	controller, err := ratelimit.NewMonitorRateController(&ratelimit.MonitorRateControllerConfig{
		Tracker:   tracker,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	return controller, tracker
}

// Tests

func TestNewStalenessJob_Validation(t *testing.T) {
	clock := &stubClock{height: 1000}
	store := &scanRecorder{}

	if _, err := NewStalenessJob(nil); err == nil {
		t.Error("expected nil config to be rejected")
	}
	if _, err := NewStalenessJob(&StalenessJobConfig{Store: store, Schedule: "@every 10m"}); err == nil {
		t.Error("expected a nil clock to be rejected")
	}
	if _, err := NewStalenessJob(&StalenessJobConfig{Clock: clock, Schedule: "@every 10m"}); err == nil {
		t.Error("expected a nil store to be rejected")
	}
	if _, err := NewStalenessJob(&StalenessJobConfig{Clock: clock, Store: store}); err == nil {
		t.Error("expected an empty schedule to be rejected")
	}

	job, err := NewStalenessJob(&StalenessJobConfig{Clock: clock, Store: store, Schedule: "@every 10m"})
	if err != nil {
		t.Fatalf("NewStalenessJob failed: %v", err)
	}
	if job.scanLimit != DefaultScanLimit {
		t.Errorf("expected default scan limit %d, got %d", DefaultScanLimit, job.scanLimit)
	}
	if job.Name() != "staleness_scan" || job.Schedule() != "@every 10m" {
		t.Errorf("unexpected job identity: %s / %s", job.Name(), job.Schedule())
	}
}

func TestStalenessJob_Run(t *testing.T) {
	// Setup: two portfolios past the interval at height 2000
	clock := &stubClock{height: 2000}
	store := &scanRecorder{stale: []*models.Portfolio{
		stalePortfolio(1, "0xaaaa000000000000000000000000000000000001", 1000),
		stalePortfolio(7, "0xbbbb000000000000000000000000000000000002", 1700),
	}}
	events := &eventRecorder{}

	job, err := NewStalenessJob(&StalenessJobConfig{
		Clock:        clock,
		Store:        store,
		Events:       events,
		Schedule:     "@every 10m",
		ScanLimit:    100,
		RecordEvents: true,
	})
	if err != nil {
		t.Fatalf("NewStalenessJob failed: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The scan asks for portfolios behind the rebalance interval at the
	// observed height
	if store.height != 2000 || store.interval != types.RebalanceInterval || store.limit != 100 {
		t.Errorf("unexpected scan arguments: height=%d interval=%d limit=%d", store.height, store.interval, store.limit)
	}

	// Test: one observation row per stale portfolio, stamped at the
	// observed height
	if len(events.rows) != 2 {
		t.Fatalf("expected 2 observation rows, got %d", len(events.rows))
	}
	for _, row := range events.rows {
		if row.EventType != types.EventStalenessObserved {
			t.Errorf("expected %s, got %s", types.EventStalenessObserved, row.EventType)
		}
		if row.BlockHeight != 2000 || row.SlotIndex != -1 {
			t.Errorf("unexpected observation row: %+v", row)
		}
	}
	if events.rows[0].PortfolioID != 1 || events.rows[1].PortfolioID != 7 {
		t.Errorf("unexpected portfolio ids: %d, %d", events.rows[0].PortfolioID, events.rows[1].PortfolioID)
	}

	status := job.Status()
	if status.LastHeight != 2000 || status.StaleCount != 2 || status.ScanCount != 1 {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.LastScan.IsZero() {
		t.Error("expected the scan time to be recorded")
	}
}

func TestStalenessJob_EventsDisabled(t *testing.T) {
	clock := &stubClock{height: 2000}
	store := &scanRecorder{stale: []*models.Portfolio{
		stalePortfolio(1, "0xaaaa000000000000000000000000000000000001", 1000),
	}}
	events := &eventRecorder{}

	job, err := NewStalenessJob(&StalenessJobConfig{
		Clock:        clock,
		Store:        store,
		Events:       events,
		Schedule:     "@every 10m",
		RecordEvents: false,
	})
	if err != nil {
		t.Fatalf("NewStalenessJob failed: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(events.rows) != 0 {
		t.Errorf("expected no observation rows, got %d", len(events.rows))
	}
}

func TestStalenessJob_ClockFailure(t *testing.T) {
	clock := &stubClock{err: errors.New("provider unreachable")}
	store := &scanRecorder{}

	job, err := NewStalenessJob(&StalenessJobConfig{Clock: clock, Store: store, Schedule: "@every 10m"})
	if err != nil {
		t.Fatalf("NewStalenessJob failed: %v", err)
	}

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected a clock failure to fail the cycle")
	}
	if store.calls != 0 {
		t.Errorf("expected no scan after a clock failure, got %d calls", store.calls)
	}
}

func TestStalenessJob_EventFailureTolerated(t *testing.T) {
	clock := &stubClock{height: 2000}
	store := &scanRecorder{stale: []*models.Portfolio{
		stalePortfolio(1, "0xaaaa000000000000000000000000000000000001", 1000),
	}}

	job, err := NewStalenessJob(&StalenessJobConfig{
		Clock:        clock,
		Store:        store,
		Events:       &eventRecorder{shouldFail: true},
		Schedule:     "@every 10m",
		RecordEvents: true,
	})
	if err != nil {
		t.Fatalf("NewStalenessJob failed: %v", err)
	}

	// Test: observation rows are best effort
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("expected the cycle to survive an event store failure, got %v", err)
	}
}

func TestStalenessJob_ConsumesSharedBudget(t *testing.T) {
	// Setup: plenty of budget
	controller, tracker := newTestController(t, 10, 1)
	clock := &stubClock{height: 2000}
	store := &scanRecorder{}

	job, err := NewStalenessJob(&StalenessJobConfig{
		Clock:      clock,
		Store:      store,
		Controller: controller,
		Schedule:   "@every 10m",
	})
	if err != nil {
		t.Fatalf("NewStalenessJob failed: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if clock.calls != 1 || store.calls != 1 {
		t.Errorf("expected one clock read and one scan, got %d/%d", clock.calls, store.calls)
	}

	// Test: the cycle charged one request to the shared pool
	usage, err := tracker.GetUsage(context.Background())
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if usage.SharedUsed != 1 || usage.ReservedUsed != 0 {
		t.Errorf("expected 1 shared request used, got shared=%d reserved=%d", usage.SharedUsed, usage.ReservedUsed)
	}
}

func TestStalenessJob_SkipsWhenBudgetNearExhaustion(t *testing.T) {
	// Setup: consume the shared pool up to the pause threshold
	controller, tracker := newTestController(t, 10, 1)
	ctx := context.Background()

	allowed, _ := tracker.TryConsume(ctx, 9, ratelimit.PriorityLow)
	if !allowed {
		t.Fatal("expected the setup consumption to be allowed")
	}

	clock := &stubClock{height: 2000}
	store := &scanRecorder{}

	job, err := NewStalenessJob(&StalenessJobConfig{
		Clock:      clock,
		Store:      store,
		Controller: controller,
		Schedule:   "@every 10m",
	})
	if err != nil {
		t.Fatalf("NewStalenessJob failed: %v", err)
	}

	// Test: the cycle is skipped without touching the chain or the store
	if err := job.Run(ctx); err != nil {
		t.Fatalf("expected a skipped cycle, got %v", err)
	}
	if clock.calls != 0 || store.calls != 0 {
		t.Errorf("expected no clock read or scan, got %d/%d", clock.calls, store.calls)
	}
}

func TestStalenessJob_CancelledWhileWaiting(t *testing.T) {
	// Setup: the shared pool is exhausted but below the pause threshold
	controller, tracker := newTestController(t, 100, 95)
	ctx := context.Background()

	allowed, _ := tracker.TryConsume(ctx, 5, ratelimit.PriorityLow)
	if !allowed {
		t.Fatal("expected the setup consumption to be allowed")
	}

	clock := &stubClock{height: 2000}
	store := &scanRecorder{}

	job, err := NewStalenessJob(&StalenessJobConfig{
		Clock:      clock,
		Store:      store,
		Controller: controller,
		Schedule:   "@every 10m",
	})
	if err != nil {
		t.Fatalf("NewStalenessJob failed: %v", err)
	}

	// Test: shutdown during the budget wait ends the cycle quietly
	cancelCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := job.Run(cancelCtx); err != nil {
		t.Fatalf("expected a cancelled wait to end the cycle quietly, got %v", err)
	}
	if clock.calls != 0 {
		t.Errorf("expected no clock read, got %d", clock.calls)
	}
}
