package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/portfolio-registry/internal/models"
	"github.com/portfolio-registry/internal/types"
	"github.com/shopspring/decimal"
)

// Sentinel errors returned by the registry repository. Services branch on
// these with errors.Is to pick the error kind surfaced to callers.
var (
	// ErrPortfolioNotFound is returned when a portfolio id has no header row
	ErrPortfolioNotFound = errors.New("portfolio not found")
	// ErrAssetNotFound is returned when a (portfolio, slot) pair has no asset row
	ErrAssetNotFound = errors.New("portfolio asset not found")
	// ErrUserIndexFull is returned when an owner's portfolio index is at capacity
	ErrUserIndexFull = errors.New("user portfolio index at capacity")
	// ErrNotRegistryOwner is returned when a conditional admin update matches no row
	ErrNotRegistryOwner = errors.New("caller is not the registry owner")
	// ErrRegistryNotInitialized is returned when the registry state row is missing
	ErrRegistryNotInitialized = errors.New("registry state not initialized")
)

// RegistryRepository handles portfolio registry persistence in Postgres.
// It is the only writer to the portfolios, portfolio_assets, user_portfolios
// and registry_state tables; every multi-row mutation runs in a single
// transaction so observers never see partial state.
type RegistryRepository struct {
	db *PostgresDB
}

// NewRegistryRepository creates a new registry repository
func NewRegistryRepository(db *PostgresDB) *RegistryRepository {
	return &RegistryRepository{db: db}
}

// EnsureRegistryState seeds the single registry state row if it does not
// exist yet. The counter starts at 0 so the first portfolio gets id 1.
func (r *RegistryRepository) EnsureRegistryState(ctx context.Context, owner string) error {
	query := `
		INSERT INTO registry_state (id, registry_owner, portfolio_counter, fee_basis_points)
		VALUES (1, $1, 0, 0)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Pool().Exec(ctx, query, strings.ToLower(owner))
	if err != nil {
		return fmt.Errorf("failed to seed registry state: %w", err)
	}

	return nil
}

// GetRegistryState retrieves the registry configuration row
func (r *RegistryRepository) GetRegistryState(ctx context.Context) (*models.RegistryState, error) {
	query := `
		SELECT registry_owner, portfolio_counter, fee_basis_points
		FROM registry_state
		WHERE id = 1
	`

	var state models.RegistryState

	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&state.Owner,
		&state.PortfolioCounter,
		&state.FeeBasisPoints,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRegistryNotInitialized
		}
		return nil, fmt.Errorf("failed to get registry state: %w", err)
	}

	return &state, nil
}

// TransferRegistryOwner hands the registry over to a new owner. The update
// is conditional on the current owner so a stale caller cannot win a race.
func (r *RegistryRepository) TransferRegistryOwner(ctx context.Context, currentOwner, newOwner string) error {
	query := `
		UPDATE registry_state
		SET registry_owner = $2
		WHERE id = 1 AND registry_owner = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, strings.ToLower(currentOwner), strings.ToLower(newOwner))
	if err != nil {
		return fmt.Errorf("failed to transfer registry owner: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotRegistryOwner
	}

	return nil
}

// SetFeeBasisPoints updates the protocol fee, gated on the current owner
func (r *RegistryRepository) SetFeeBasisPoints(ctx context.Context, currentOwner string, feeBasisPoints uint32) error {
	query := `
		UPDATE registry_state
		SET fee_basis_points = $2
		WHERE id = 1 AND registry_owner = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, strings.ToLower(currentOwner), feeBasisPoints)
	if err != nil {
		return fmt.Errorf("failed to set fee: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotRegistryOwner
	}

	return nil
}

// CreatePortfolio writes the portfolio header, all asset slots and the
// owner's index entry in one transaction and returns the new portfolio id.
//
// The id comes from the registry_state counter row, incremented inside the
// same transaction. A rollback therefore releases the candidate id, keeping
// the sequence gapless across failed creations. The capacity check runs
// before the counter is touched so a full index never locks the counter row.
func (r *RegistryRepository) CreatePortfolio(ctx context.Context, owner string, tokens []string, percentages []uint32, height uint64) (int64, error) {
	owner = strings.ToLower(owner)

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // nolint:errcheck // no-op after commit
	}()

	// Lock the owner's index row and check capacity. The row lock serializes
	// concurrent creations by the same owner once the row exists; before it
	// exists the index cannot be anywhere near capacity.
	var indexSize int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(cardinality(portfolio_ids), 0) FROM user_portfolios WHERE owner = $1 FOR UPDATE`,
		owner,
	).Scan(&indexSize)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to read user index: %w", err)
	}

	if indexSize >= types.MaxPortfoliosPerUser {
		return 0, ErrUserIndexFull
	}

	// Allocate the next id. Locking the counter row serializes creations
	// globally, which keeps ids strictly increasing and gapless.
	var portfolioID int64
	err = tx.QueryRow(ctx,
		`UPDATE registry_state SET portfolio_counter = portfolio_counter + 1 WHERE id = 1 RETURNING portfolio_counter`,
	).Scan(&portfolioID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrRegistryNotInitialized
		}
		return 0, fmt.Errorf("failed to allocate portfolio id: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO portfolios (id, owner, created_at_height, last_rebalanced_height, total_value, active, token_count)
		VALUES ($1, $2, $3, $3, $4, TRUE, $5)
	`,
		portfolioID,
		owner,
		height,
		decimal.Zero,
		len(tokens),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert portfolio header: %w", err)
	}

	for i, token := range tokens {
		_, err = tx.Exec(ctx, `
			INSERT INTO portfolio_assets (portfolio_id, slot_index, token_address, target_percentage, current_amount)
			VALUES ($1, $2, $3, $4, $5)
		`,
			portfolioID,
			i,
			strings.ToLower(token),
			percentages[i],
			decimal.Zero,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert asset slot %d: %w", i, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO user_portfolios (owner, portfolio_ids)
		VALUES ($1, ARRAY[$2::bigint])
		ON CONFLICT (owner) DO UPDATE SET portfolio_ids = array_append(user_portfolios.portfolio_ids, $2)
	`,
		owner,
		portfolioID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append to user index: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return portfolioID, nil
}

// GetPortfolio retrieves a portfolio header by id
func (r *RegistryRepository) GetPortfolio(ctx context.Context, id int64) (*models.Portfolio, error) {
	query := `
		SELECT id, owner, created_at_height, last_rebalanced_height, total_value, active, token_count
		FROM portfolios
		WHERE id = $1
	`

	var portfolio models.Portfolio

	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&portfolio.ID,
		&portfolio.Owner,
		&portfolio.CreatedAtHeight,
		&portfolio.LastRebalancedHeight,
		&portfolio.TotalValue,
		&portfolio.Active,
		&portfolio.TokenCount,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrPortfolioNotFound, id)
		}
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}

	return &portfolio, nil
}

// GetAsset retrieves a single asset slot by portfolio id and slot index
func (r *RegistryRepository) GetAsset(ctx context.Context, id int64, slotIndex int) (*models.PortfolioAsset, error) {
	query := `
		SELECT portfolio_id, slot_index, token_address, target_percentage, current_amount
		FROM portfolio_assets
		WHERE portfolio_id = $1 AND slot_index = $2
	`

	var asset models.PortfolioAsset

	err := r.db.Pool().QueryRow(ctx, query, id, slotIndex).Scan(
		&asset.PortfolioID,
		&asset.SlotIndex,
		&asset.TokenAddress,
		&asset.TargetPercentage,
		&asset.CurrentAmount,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d/%d", ErrAssetNotFound, id, slotIndex)
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}

	return &asset, nil
}

// GetPortfolioAssets retrieves all asset slots of a portfolio ordered by slot index
func (r *RegistryRepository) GetPortfolioAssets(ctx context.Context, id int64) ([]*models.PortfolioAsset, error) {
	query := `
		SELECT portfolio_id, slot_index, token_address, target_percentage, current_amount
		FROM portfolio_assets
		WHERE portfolio_id = $1
		ORDER BY slot_index ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.PortfolioAsset
	for rows.Next() {
		var asset models.PortfolioAsset

		err := rows.Scan(
			&asset.PortfolioID,
			&asset.SlotIndex,
			&asset.TokenAddress,
			&asset.TargetPercentage,
			&asset.CurrentAmount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}

		assets = append(assets, &asset)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}

	return assets, nil
}

// GetUserPortfolios retrieves the ordered portfolio id list for an owner.
// An owner with no portfolios gets an empty list, not an error.
func (r *RegistryRepository) GetUserPortfolios(ctx context.Context, owner string) (*models.UserPortfolios, error) {
	owner = strings.ToLower(owner)

	query := `SELECT portfolio_ids FROM user_portfolios WHERE owner = $1`

	var ids []int64

	err := r.db.Pool().QueryRow(ctx, query, owner).Scan(&ids)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.UserPortfolios{Owner: owner, PortfolioIDs: []int64{}}, nil
		}
		return nil, fmt.Errorf("failed to get user portfolios: %w", err)
	}

	return &models.UserPortfolios{Owner: owner, PortfolioIDs: ids}, nil
}

// UpdateAssetPercentage overwrites the target percentage of one asset slot,
// leaving every other field of the slot unchanged
func (r *RegistryRepository) UpdateAssetPercentage(ctx context.Context, id int64, slotIndex int, percentage uint32) error {
	query := `
		UPDATE portfolio_assets
		SET target_percentage = $3
		WHERE portfolio_id = $1 AND slot_index = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, id, slotIndex, percentage)
	if err != nil {
		return fmt.Errorf("failed to update asset percentage: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d/%d", ErrAssetNotFound, id, slotIndex)
	}

	return nil
}

// TouchRebalanced records a rebalance checkpoint by moving the portfolio's
// last rebalanced height forward. The update is conditional on owner and
// active so a concurrent mutation cannot slip past the service-level checks.
func (r *RegistryRepository) TouchRebalanced(ctx context.Context, id int64, owner string, height uint64) error {
	query := `
		UPDATE portfolios
		SET last_rebalanced_height = $3
		WHERE id = $1 AND owner = $2 AND active
	`

	result, err := r.db.Pool().Exec(ctx, query, id, strings.ToLower(owner), height)
	if err != nil {
		return fmt.Errorf("failed to record rebalance: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrPortfolioNotFound, id)
	}

	return nil
}

// ListStalePortfolios returns active portfolios whose last rebalance is more
// than interval heights behind the given height, oldest first
func (r *RegistryRepository) ListStalePortfolios(ctx context.Context, height, interval uint64, limit int) ([]*models.Portfolio, error) {
	if height <= interval {
		return []*models.Portfolio{}, nil
	}
	cutoff := height - interval

	query := `
		SELECT id, owner, created_at_height, last_rebalanced_height, total_value, active, token_count
		FROM portfolios
		WHERE active AND last_rebalanced_height < $1
		ORDER BY last_rebalanced_height ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale portfolios: %w", err)
	}
	defer rows.Close()

	portfolios := []*models.Portfolio{}
	for rows.Next() {
		var portfolio models.Portfolio

		err := rows.Scan(
			&portfolio.ID,
			&portfolio.Owner,
			&portfolio.CreatedAtHeight,
			&portfolio.LastRebalancedHeight,
			&portfolio.TotalValue,
			&portfolio.Active,
			&portfolio.TokenCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portfolio: %w", err)
		}

		portfolios = append(portfolios, &portfolio)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolios: %w", err)
	}

	return portfolios, nil
}
