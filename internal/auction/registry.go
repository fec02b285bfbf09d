// Package auction runs per-channel loot auctions.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/event"
)

const instrumentation = "github.com/makorehaps/dkpbot/internal/auction"

// Registry maps channel ids to at most one open auction. Every operation is a
// single critical section, so concurrent bids never lose an update.
type Registry struct {
	mu   sync.Mutex
	open map[string]*Auction

	maxBid int
	events event.Store
	logger *slog.Logger
	tracer trace.Tracer
	bids   metric.Int64Counter
	clock  clock.Clock
}

// NewRegistry creates an empty Registry. maxBid caps accepted bids; zero
// disables the cap.
func NewRegistry(maxBid int, events event.Store, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) *Registry {
	bids, err := mp.Meter(instrumentation).Int64Counter("dkpbot.bids",
		metric.WithDescription("Number of bids by outcome"),
	)
	if err != nil {
		logger.Warn("creating bid counter", slog.Any("error", err))
	}
	return &Registry{
		open:   make(map[string]*Auction),
		maxBid: maxBid,
		events: events,
		logger: logger,
		tracer: tp.Tracer(instrumentation),
		bids:   bids,
		clock:  clk,
	}
}

// MaxBid returns the configured bid ceiling, zero when disabled.
func (r *Registry) MaxBid() int { return r.maxBid }

// Start opens an auction for item in channelID. It returns ErrAuctionOpen and
// leaves the existing auction untouched when the channel already has one.
func (r *Registry) Start(ctx context.Context, channelID, item, startedBy string) (Auction, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.Start",
		trace.WithAttributes(
			attribute.String("channel_id", channelID),
			attribute.String("item", item),
		),
	)
	defer span.End()

	r.mu.Lock()
	if _, ok := r.open[channelID]; ok {
		r.mu.Unlock()
		return Auction{}, ErrAuctionOpen
	}
	now := r.clock.Now()
	a := newAuction(fmt.Sprintf("auction-%s-%d", channelID, now.UnixNano()), channelID, item, startedBy, now)
	r.open[channelID] = a
	snap, pending := a.snapshot(), a.pendingEvents()
	r.mu.Unlock()

	r.persist(ctx, pending)

	r.logger.InfoContext(ctx, fmt.Sprintf("started a bidding session for %s", item),
		slog.String("auction_id", snap.ID),
		slog.String("channel_id", channelID),
		slog.String("started_by", startedBy),
	)
	return snap, nil
}

// PlaceBid offers amount on the channel's open auction. A rejected bid leaves
// the auction unchanged; the returned snapshot then carries the current
// leading bid.
func (r *Registry) PlaceBid(ctx context.Context, channelID string, bidder Bidder, amount int) (Auction, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.PlaceBid",
		trace.WithAttributes(
			attribute.String("channel_id", channelID),
			attribute.String("player_id", bidder.ID),
			attribute.Int("amount", amount),
		),
	)
	defer span.End()

	r.mu.Lock()
	a, ok := r.open[channelID]
	if !ok {
		r.mu.Unlock()
		r.countBid(ctx, "no_auction")
		return Auction{}, ErrNoActiveAuction
	}
	err := a.placeBid(bidder, amount, r.maxBid, r.clock.Now())
	snap, pending := a.snapshot(), a.pendingEvents()
	r.mu.Unlock()

	if err != nil {
		r.countBid(ctx, "rejected")
		return snap, err
	}
	r.countBid(ctx, "accepted")
	r.persist(ctx, pending)

	r.logger.InfoContext(ctx, fmt.Sprintf("%s bid %d on %s", bidder.Name, amount, snap.Item),
		slog.String("auction_id", snap.ID),
		slog.String("player_id", bidder.ID),
		slog.Int("amount", amount),
	)
	return snap, nil
}

// End closes the channel's auction and returns its final state. The winner,
// if any, is HighestBidder; settling points is up to the caller.
func (r *Registry) End(ctx context.Context, channelID string) (Auction, error) {
	ctx, span := r.tracer.Start(ctx, "Registry.End",
		trace.WithAttributes(attribute.String("channel_id", channelID)),
	)
	defer span.End()

	r.mu.Lock()
	a, ok := r.open[channelID]
	if !ok {
		r.mu.Unlock()
		return Auction{}, ErrNoActiveAuction
	}
	delete(r.open, channelID)
	a.close(r.clock.Now())
	snap, pending := a.snapshot(), a.pendingEvents()
	r.mu.Unlock()

	r.persist(ctx, pending)

	attrs := []any{slog.String("auction_id", snap.ID), slog.String("item", snap.Item)}
	if snap.HighestBidder != nil {
		attrs = append(attrs, slog.String("winner_id", snap.HighestBidder.ID), slog.Int("amount", snap.HighestBid))
	}
	r.logger.InfoContext(ctx, fmt.Sprintf("bidding session for %s ended", snap.Item), attrs...)
	return snap, nil
}

// Current returns the channel's open auction, if any.
func (r *Registry) Current(ctx context.Context, channelID string) (Auction, bool) {
	_, span := r.tracer.Start(ctx, "Registry.Current")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.open[channelID]
	if !ok {
		return Auction{}, false
	}
	return a.snapshot(), true
}

func (r *Registry) persist(ctx context.Context, events []event.Event) {
	if len(events) == 0 {
		return
	}
	if err := r.events.Append(ctx, events...); err != nil {
		r.logger.ErrorContext(ctx, fmt.Sprintf("failed to persist %s events: %v", events[0].Type, err),
			slog.String("type", string(events[0].Type)),
			slog.Any("error", err),
		)
	}
}

func (r *Registry) countBid(ctx context.Context, outcome string) {
	if r.bids == nil {
		return
	}
	r.bids.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
