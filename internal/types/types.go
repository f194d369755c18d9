// Package types provides common type definitions for the portfolio registry system.
package types

// BasisPointsDenominator is the percentage scale: 10000 basis points equal 100%.
const BasisPointsDenominator uint32 = 10000

// Portfolio structure limits enforced at creation time.
const (
	// MinPortfolioTokens is the smallest number of asset slots a portfolio may hold.
	MinPortfolioTokens = 2
	// MaxPortfolioTokens is the largest number of asset slots a portfolio may hold.
	MaxPortfolioTokens = 10
	// MaxPortfoliosPerUser bounds the per-owner portfolio index.
	MaxPortfoliosPerUser = 20
)

// RebalanceInterval is the staleness threshold in blocks. A portfolio whose
// last rebalance checkpoint is more than this many blocks old needs a rebalance.
const RebalanceInterval uint64 = 144

// Registry failure kinds. Every failed operation carries exactly one of these
// codes, chosen in the precedence order the operation checks its preconditions.
const (
	// ErrCodeLengthMismatch signals token and percentage lists of different lengths.
	ErrCodeLengthMismatch = "LENGTH_MISMATCH"
	// ErrCodeMaxTokensExceeded signals more than MaxPortfolioTokens slots requested.
	ErrCodeMaxTokensExceeded = "MAX_TOKENS_EXCEEDED"
	// ErrCodeInvalidPortfolio signals a portfolio below the minimum size or an
	// id that does not resolve to a live portfolio.
	ErrCodeInvalidPortfolio = "INVALID_PORTFOLIO"
	// ErrCodeInvalidPercentage signals an allocation outside [0, 10000] or a
	// creation set whose sum is not exactly 10000.
	ErrCodeInvalidPercentage = "INVALID_PERCENTAGE"
	// ErrCodeInvalidToken signals a malformed token contract address.
	ErrCodeInvalidToken = "INVALID_TOKEN"
	// ErrCodeInvalidTokenID signals a slot index outside the portfolio's slots.
	ErrCodeInvalidTokenID = "INVALID_TOKEN_ID"
	// ErrCodeNotAuthorized signals a caller that is not the required owner.
	ErrCodeNotAuthorized = "NOT_AUTHORIZED"
	// ErrCodeUserStorageFailed signals a full per-owner portfolio index.
	ErrCodeUserStorageFailed = "USER_STORAGE_FAILED"
)

// EventType classifies rows in the portfolio event history.
type EventType string

const (
	// EventPortfolioCreated records a successful portfolio creation.
	EventPortfolioCreated EventType = "portfolio_created"
	// EventAllocationUpdated records a single-slot target percentage change.
	EventAllocationUpdated EventType = "allocation_updated"
	// EventPortfolioRebalanced records a rebalance checkpoint.
	EventPortfolioRebalanced EventType = "portfolio_rebalanced"
	// EventOwnerTransferred records a registry ownership transfer.
	EventOwnerTransferred EventType = "owner_transferred"
	// EventStalenessObserved records a monitor observation of a stale portfolio.
	EventStalenessObserved EventType = "staleness_observed"
)

// CallerTier represents the API rate-limit tier of a caller.
type CallerTier string

const (
	// TierFree is the default tier with the lowest request rate.
	TierFree CallerTier = "free"
	// TierBasic is the mid request-rate tier.
	TierBasic CallerTier = "basic"
	// TierPremium is the highest request-rate tier.
	TierPremium CallerTier = "premium"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
