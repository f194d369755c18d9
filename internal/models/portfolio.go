// Package models provides data models for the portfolio registry system.
package models

import (
	"github.com/shopspring/decimal"
)

// Portfolio represents an owned collection of weighted asset slots
type Portfolio struct {
	ID                   int64           `json:"id" db:"id"`
	Owner                string          `json:"owner" db:"owner"`
	CreatedAtHeight      uint64          `json:"createdAtHeight" db:"created_at_height"`
	LastRebalancedHeight uint64          `json:"lastRebalancedHeight" db:"last_rebalanced_height"`
	TotalValue           decimal.Decimal `json:"totalValue" db:"total_value"`
	Active               bool            `json:"active" db:"active"`
	TokenCount           int             `json:"tokenCount" db:"token_count"`
}

// PortfolioAsset represents a single weighted slot within a portfolio
type PortfolioAsset struct {
	PortfolioID      int64           `json:"portfolioId" db:"portfolio_id"`
	SlotIndex        int             `json:"slotIndex" db:"slot_index"`
	TokenAddress     string          `json:"tokenAddress" db:"token_address"`
	TargetPercentage uint32          `json:"targetPercentage" db:"target_percentage"`
	CurrentAmount    decimal.Decimal `json:"currentAmount" db:"current_amount"`
}

// UserPortfolios represents an owner's ordered, capacity-bounded portfolio index
type UserPortfolios struct {
	Owner        string  `json:"owner" db:"owner"`
	PortfolioIDs []int64 `json:"portfolioIds" db:"portfolio_ids"`
}
