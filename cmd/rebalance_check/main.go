// Package main provides a CLI tool for checking which portfolios are past
// their rebalance interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/portfolio-registry/internal/chain"
	"github.com/portfolio-registry/internal/config"
	"github.com/portfolio-registry/internal/storage"
	"github.com/portfolio-registry/internal/types"
)

func main() {
	idFlag := flag.Int64("id", 0, "Specific portfolio ID to check (optional)")
	limitFlag := flag.Int("limit", 100, "Maximum stale portfolios to list")
	heightFlag := flag.Uint64("height", 0, "Block height override (skips the clock)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		fmt.Printf("Error connecting to Postgres: %v\n", err)
		os.Exit(1)
	}
	defer postgres.Close()

	repo := storage.NewRegistryRepository(postgres)

	height, err := resolveHeight(cfg, *heightFlag)
	if err != nil {
		fmt.Printf("Error reading block height: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Block height: %d (rebalance interval: %d blocks)\n\n", height, types.RebalanceInterval)

	if *idFlag > 0 {
		if err := checkPortfolio(repo, *idFlag, height); err != nil {
			fmt.Printf("Error checking portfolio %d: %v\n", *idFlag, err)
			os.Exit(1)
		}
		return
	}

	if err := listStale(repo, height, *limitFlag); err != nil {
		fmt.Printf("Error listing stale portfolios: %v\n", err)
		os.Exit(1)
	}
}

// resolveHeight reads the chain head, or returns the override when one is
// given. A one-shot read needs no budget tracking, so the clock runs
// unmetered.
func resolveHeight(cfg *config.Config, override uint64) (uint64, error) {
	if override > 0 {
		return override, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clock chain.Clock
	switch cfg.Chain.Mode {
	case chain.ModeRPC:
		if len(cfg.Chain.RPCEndpoints) == 0 {
			return 0, fmt.Errorf("chain mode %q requires CHAIN_RPC_ENDPOINTS", cfg.Chain.Mode)
		}
		rpcClock, err := chain.NewRPCClock(ctx, &chain.RPCClockConfig{
			Endpoints:      cfg.Chain.RPCEndpoints,
			RequestTimeout: cfg.Chain.RequestTimeout,
		})
		if err != nil {
			return 0, err
		}
		clock = rpcClock
	default:
		clock = chain.NewLocalClock(0, 0)
	}
	defer clock.Close()

	return clock.CurrentHeight(ctx)
}

func checkPortfolio(repo *storage.RegistryRepository, id int64, height uint64) error {
	ctx := context.Background()

	portfolio, err := repo.GetPortfolio(ctx, id)
	if err != nil {
		return err
	}

	assets, err := repo.GetPortfolioAssets(ctx, id)
	if err != nil {
		return err
	}

	behind := blocksSince(height, portfolio.LastRebalancedHeight)

	fmt.Printf("Portfolio %d\n", portfolio.ID)
	fmt.Printf("  Owner:           %s\n", portfolio.Owner)
	fmt.Printf("  Active:          %v\n", portfolio.Active)
	fmt.Printf("  Created:         block %d\n", portfolio.CreatedAtHeight)
	fmt.Printf("  Last rebalanced: block %d\n", portfolio.LastRebalancedHeight)
	fmt.Printf("  Total value:     %s\n", portfolio.TotalValue.String())

	if height > portfolio.LastRebalancedHeight+types.RebalanceInterval {
		fmt.Printf("  Status:          ❌ NEEDS REBALANCE (%d blocks behind)\n", behind)
	} else {
		fmt.Printf("  Status:          ✅ fresh (%d blocks since last rebalance)\n", behind)
	}

	fmt.Printf("\n  %-4s %-42s %-10s %s\n", "Slot", "Token", "Target", "Amount")
	for _, asset := range assets {
		fmt.Printf("  %-4d %-42s %-10s %s\n",
			asset.SlotIndex,
			asset.TokenAddress,
			formatBasisPoints(asset.TargetPercentage),
			asset.CurrentAmount.String(),
		)
	}

	return nil
}

func listStale(repo *storage.RegistryRepository, height uint64, limit int) error {
	ctx := context.Background()

	stale, err := repo.ListStalePortfolios(ctx, height, types.RebalanceInterval, limit)
	if err != nil {
		return err
	}

	if len(stale) == 0 {
		fmt.Println("No portfolios need rebalancing")
		return nil
	}

	fmt.Printf("%-10s %-42s %-16s %s\n", "ID", "Owner", "Last rebalance", "Blocks behind")
	for _, p := range stale {
		fmt.Printf("%-10d %-42s %-16d %d\n",
			p.ID, p.Owner, p.LastRebalancedHeight, blocksSince(height, p.LastRebalancedHeight))
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Stale: %d (limit %d)\n", len(stale), limit)
	return nil
}

func blocksSince(height, lastRebalanced uint64) uint64 {
	if height <= lastRebalanced {
		return 0
	}
	return height - lastRebalanced
}

func formatBasisPoints(bp uint32) string {
	return fmt.Sprintf("%.2f%%", float64(bp)/100)
}
