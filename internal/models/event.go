package models

import (
	"time"

	"github.com/portfolio-registry/internal/types"
)

// PortfolioEvent represents one append-only history row recorded after a
// successful mutation. SlotIndex is -1 for events that do not address a slot.
type PortfolioEvent struct {
	EventID     string          `json:"eventId"`
	EventType   types.EventType `json:"eventType"`
	PortfolioID int64           `json:"portfolioId"`
	Actor       string          `json:"actor"`
	SlotIndex   int32           `json:"slotIndex"`
	Percentage  uint32          `json:"percentage"`
	BlockHeight uint64          `json:"blockHeight"`
	RecordedAt  time.Time       `json:"recordedAt"`
}
