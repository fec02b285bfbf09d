// Package dkp keeps the per-player point ledger.
package dkp

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/event"
)

const instrumentation = "github.com/makorehaps/dkpbot/internal/dkp"

// Player is a ledger record.
type Player struct {
	ID      string
	Name    string
	Balance int
}

// Ledger maps player ids to point balances. It is safe for concurrent use.
// State lives in memory only; the journal is an audit trail and is never
// replayed into the ledger.
type Ledger struct {
	mu      sync.Mutex
	players map[string]*Player
	// versions survives wipes so a player's journal stays ordered.
	versions map[string]int

	events   event.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	adjusted metric.Int64Counter
	clock    clock.Clock
}

// NewLedger returns an empty Ledger.
func NewLedger(events event.Store, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider, clk clock.Clock) *Ledger {
	adjusted, err := mp.Meter(instrumentation).Int64Counter("dkpbot.dkp.adjusted",
		metric.WithDescription("Number of ledger balance adjustments"),
	)
	if err != nil {
		logger.Warn("creating dkp counter", slog.Any("error", err))
	}
	return &Ledger{
		players:  make(map[string]*Player),
		versions: make(map[string]int),
		events:   events,
		logger:   logger,
		tracer:   tp.Tracer(instrumentation),
		adjusted: adjusted,
		clock:    clk,
	}
}

// AdjustBalance adds delta (which may be negative) to the player's balance,
// creating the record at zero when absent. The result never drops below zero.
// It returns the new balance.
func (l *Ledger) AdjustBalance(ctx context.Context, playerID, displayName string, delta int) int {
	return l.adjust(ctx, playerID, displayName, delta, "")
}

// Deduct removes amount from the player's balance, clamping at zero, and
// records why.
func (l *Ledger) Deduct(ctx context.Context, playerID, displayName string, amount int, reason string) int {
	return l.adjust(ctx, playerID, displayName, -amount, reason)
}

func (l *Ledger) adjust(ctx context.Context, playerID, displayName string, delta int, reason string) int {
	ctx, span := l.tracer.Start(ctx, "Ledger.AdjustBalance",
		trace.WithAttributes(
			attribute.String("player_id", playerID),
			attribute.Int("delta", delta),
		),
	)
	defer span.End()

	l.mu.Lock()
	p, ok := l.players[playerID]
	if !ok {
		p = &Player{ID: playerID}
		l.players[playerID] = p
	}
	if displayName != "" {
		p.Name = displayName
	}
	p.Balance = clampedAdd(p.Balance, delta)
	l.versions[playerID]++
	balance, name := p.Balance, p.Name
	evt := event.New(playerID, event.DKPAdjusted, l.versions[playerID], event.DKPAdjustedData{
		PlayerID:   playerID,
		PlayerName: name,
		Delta:      delta,
		Balance:    balance,
		Reason:     reason,
	}, l.clock.Now())
	l.mu.Unlock()

	if err := l.events.Append(ctx, evt); err != nil {
		l.logger.ErrorContext(ctx, fmt.Sprintf("failed to append dkp adjusted event: %v", err), slog.Any("error", err))
	}
	if l.adjusted != nil {
		l.adjusted.Add(ctx, 1)
	}

	l.logger.InfoContext(ctx, fmt.Sprintf("adjusted %s's DKP by %d, total is now %d", name, delta, balance),
		slog.String("player_id", playerID),
	)
	return balance
}

// clampedAdd adds delta to a non-negative balance, holding the result within
// [0, math.MaxInt].
func clampedAdd(balance, delta int) int {
	if delta > 0 && balance > math.MaxInt-delta {
		return math.MaxInt
	}
	return max(balance+delta, 0)
}

// Balance returns the player's record. The boolean is false when the player
// has never been adjusted.
func (l *Ledger) Balance(ctx context.Context, playerID string) (Player, bool) {
	_, span := l.tracer.Start(ctx, "Ledger.Balance")
	defer span.End()

	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.players[playerID]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Standings returns every player ordered by balance, highest first.
func (l *Ledger) Standings(ctx context.Context) []Player {
	_, span := l.tracer.Start(ctx, "Ledger.Standings")
	defer span.End()

	l.mu.Lock()
	out := make([]Player, 0, len(l.players))
	for _, p := range l.players {
		out = append(out, *p)
	}
	l.mu.Unlock()

	slices.SortFunc(out, func(a, b Player) int {
		if c := cmp.Compare(b.Balance, a.Balance); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// WipeAll removes every record and returns how many were removed.
func (l *Ledger) WipeAll(ctx context.Context) int {
	ctx, span := l.tracer.Start(ctx, "Ledger.WipeAll")
	defer span.End()

	l.mu.Lock()
	n := len(l.players)
	l.players = make(map[string]*Player)
	l.versions[event.LedgerAggregate]++
	version := l.versions[event.LedgerAggregate]
	now := l.clock.Now()
	l.mu.Unlock()

	evt := event.New(event.LedgerAggregate, event.LedgerWiped, version, event.LedgerWipedData{Players: n}, now)
	if err := l.events.Append(ctx, evt); err != nil {
		l.logger.ErrorContext(ctx, fmt.Sprintf("failed to append ledger wiped event: %v", err), slog.Any("error", err))
	}

	span.SetAttributes(attribute.Int("players", n))
	l.logger.WarnContext(ctx, fmt.Sprintf("ledger wiped, %d players removed", n), slog.Int("players", n))
	return n
}

// History returns up to limit of the player's most recent journal entries
// since the last wipe, newest first.
func (l *Ledger) History(ctx context.Context, playerID string, limit int) ([]event.Event, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.History",
		trace.WithAttributes(attribute.String("player_id", playerID)),
	)
	defer span.End()

	events, err := l.events.Load(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	wipes, err := l.events.LoadByType(ctx, event.LedgerWiped)
	if err != nil {
		return nil, fmt.Errorf("loading wipes: %w", err)
	}
	var since time.Time
	if len(wipes) > 0 {
		since = wipes[len(wipes)-1].CreatedAt
	}

	out := make([]event.Event, 0, min(len(events), limit))
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		e := events[i]
		if e.CreatedAt.Before(since) {
			break
		}
		if e.Type == event.DKPAdjusted {
			out = append(out, e)
		}
	}
	return out, nil
}
