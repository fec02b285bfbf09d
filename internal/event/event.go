package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	DKPAdjusted Type = "dkp.adjusted"
	LedgerWiped Type = "ledger.wiped"

	AuctionStarted   Type = "auction.started"
	AuctionBidPlaced Type = "auction.bid_placed"
	AuctionClosed    Type = "auction.closed"
)

// LedgerAggregate is the aggregate id used for ledger-wide events.
const LedgerAggregate = "ledger"

// Event represents a single journal entry.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// DKPAdjustedData is the payload for DKPAdjusted events.
type DKPAdjustedData struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Delta      int    `json:"delta"`
	Balance    int    `json:"balance"`
	Reason     string `json:"reason,omitempty"`
}

// LedgerWipedData is the payload for LedgerWiped events.
type LedgerWipedData struct {
	Players int `json:"players"`
}

// AuctionStartedData is the payload for AuctionStarted events.
type AuctionStartedData struct {
	ChannelID string `json:"channel_id"`
	ItemName  string `json:"item_name"`
	StartedBy string `json:"started_by"`
}

// BidPlacedData is the payload for AuctionBidPlaced events.
type BidPlacedData struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Amount     int    `json:"amount"`
}

// AuctionClosedData is the payload for AuctionClosed events.
type AuctionClosedData struct {
	WinnerID string `json:"winner_id,omitempty"`
	Amount   int    `json:"amount"`
}

// New builds an event with a JSON-encoded payload. Payload types in this
// package always marshal, so the encoding error is dropped.
func New(aggregateID string, t Type, version int, payload any, at time.Time) Event {
	data, _ := json.Marshal(payload)
	return Event{
		AggregateID: aggregateID,
		Type:        t,
		Data:        data,
		Version:     version,
		CreatedAt:   at.UTC(),
	}
}
