package models

// RegistryState holds the singleton protocol configuration row: the registry
// owner identity, the monotonic portfolio counter, and the fee scalar.
type RegistryState struct {
	Owner            string `json:"owner" db:"registry_owner"`
	PortfolioCounter int64  `json:"portfolioCounter" db:"portfolio_counter"`
	FeeBasisPoints   uint32 `json:"feeBasisPoints" db:"fee_basis_points"`
}
