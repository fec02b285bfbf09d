package auction

import (
	"errors"
	"time"

	"github.com/makorehaps/dkpbot/internal/event"
)

// Errors returned by auction operations.
var (
	ErrAuctionOpen     = errors.New("a bidding session is already active in this channel")
	ErrNoActiveAuction = errors.New("no active bidding session in this channel")
	ErrBidTooLow       = errors.New("bid must be higher than the current highest bid")
	ErrBidAboveMax     = errors.New("bid exceeds the maximum allowed bid")
)

// Bidder identifies the player behind a bid.
type Bidder struct {
	ID   string
	Name string
}

// Auction is a single-item, ascending first-price bidding session owned by a
// channel. Values returned by the Registry are snapshots.
type Auction struct {
	ID            string
	ChannelID     string
	Item          string
	StartedBy     string
	StartedAt     time.Time
	HighestBid    int
	HighestBidder *Bidder
	Version       int

	events []event.Event
}

// HasBid reports whether any bid was accepted.
func (a *Auction) HasBid() bool {
	return a.HighestBidder != nil
}

func newAuction(id, channelID, item, startedBy string, at time.Time) *Auction {
	a := &Auction{
		ID:        id,
		ChannelID: channelID,
		Item:      item,
		StartedBy: startedBy,
		StartedAt: at,
	}
	a.recordEvent(event.AuctionStarted, event.AuctionStartedData{
		ChannelID: channelID,
		ItemName:  item,
		StartedBy: startedBy,
	}, at)
	return a
}

// placeBid applies a bid. maxBid of zero disables the ceiling.
func (a *Auction) placeBid(bidder Bidder, amount, maxBid int, at time.Time) error {
	if amount <= a.HighestBid {
		return ErrBidTooLow
	}
	if maxBid > 0 && amount > maxBid {
		return ErrBidAboveMax
	}
	a.HighestBid = amount
	a.HighestBidder = &bidder
	a.recordEvent(event.AuctionBidPlaced, event.BidPlacedData{
		PlayerID:   bidder.ID,
		PlayerName: bidder.Name,
		Amount:     amount,
	}, at)
	return nil
}

func (a *Auction) close(at time.Time) {
	data := event.AuctionClosedData{Amount: a.HighestBid}
	if a.HighestBidder != nil {
		data.WinnerID = a.HighestBidder.ID
	}
	a.recordEvent(event.AuctionClosed, data, at)
}

// snapshot returns a copy that shares no mutable state with a.
func (a *Auction) snapshot() Auction {
	s := Auction{
		ID:         a.ID,
		ChannelID:  a.ChannelID,
		Item:       a.Item,
		StartedBy:  a.StartedBy,
		StartedAt:  a.StartedAt,
		HighestBid: a.HighestBid,
		Version:    a.Version,
	}
	if a.HighestBidder != nil {
		b := *a.HighestBidder
		s.HighestBidder = &b
	}
	return s
}

// pendingEvents returns uncommitted events and clears the buffer.
func (a *Auction) pendingEvents() []event.Event {
	events := a.events
	a.events = nil
	return events
}

func (a *Auction) recordEvent(t event.Type, payload any, at time.Time) {
	a.Version++
	a.events = append(a.events, event.New(a.ID, t, a.Version, payload, at))
}
