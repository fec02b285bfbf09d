package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/makorehaps/dkpbot/internal/auction"
	"github.com/makorehaps/dkpbot/internal/authz"
	"github.com/makorehaps/dkpbot/internal/event"
)

func (d *Dispatcher) commandTable() []*command {
	return []*command{
		{
			name:        "adddkp",
			capability:  authz.Manage,
			args:        "@player dkp_amount",
			example:     "adddkp @Player 20",
			description: "Adds or subtracts DKP to/from a player (e.g. `!adddkp @player 20` or `!adddkp @player -5`).",
			minArgs:     2,
			run:         d.addDKP,
		},
		{
			name:        "checkdkp",
			capability:  authz.Read,
			args:        "[@player]",
			example:     "checkdkp @Player",
			description: "Check the DKP balance of a player.",
			run:         d.checkDKP,
		},
		{
			name:        "dkplist",
			capability:  authz.Read,
			example:     "dkplist",
			description: "Show everyone's DKP, highest first.",
			run:         d.dkpList,
		},
		{
			name:        "dkphistory",
			capability:  authz.Read,
			args:        "[@player]",
			example:     "dkphistory @Player",
			description: "Show a player's recent DKP changes.",
			run:         d.dkpHistory,
		},
		{
			name:        "startbid",
			capability:  authz.Manage,
			args:        "item_name",
			example:     "startbid Epic Sword",
			description: "Start a DKP bidding session for loot (restricted to Generals and Commanders).",
			minArgs:     1,
			run:         d.startBid,
		},
		{
			name:        "bid",
			capability:  authz.Read,
			args:        "amount",
			example:     "bid 15",
			description: "Place a bid in the active bidding session.",
			minArgs:     1,
			run:         d.bid,
		},
		{
			name:        "bidstatus",
			capability:  authz.Read,
			example:     "bidstatus",
			description: "Show the item and leading bid of this channel's bidding session.",
			run:         d.bidStatus,
		},
		{
			name:        "endbid",
			capability:  authz.Manage,
			example:     "endbid",
			description: "End a bidding session and declare the winner (restricted to Generals and Commanders).",
			run:         d.endBid,
		},
		{
			name:        "attendance",
			capability:  authz.Manage,
			example:     "attendance",
			description: "Logs all users in your current voice channel to text (restricted to Generals and Commanders).",
			run:         d.attendance,
		},
		{
			name:        "wipedkp",
			capability:  authz.Wipe,
			args:        "confirmation_phrase",
			example:     "wipedkp " + d.opts.WipePhrase,
			description: "Wipes all DKP data with confirmation (restricted to Commander only).",
			minArgs:     1,
			run:         d.wipe,
		},
		{
			name:        "dkphelp",
			capability:  authz.Read,
			example:     "dkphelp",
			description: "Show this message.",
			run:         d.help,
		},
	}
}

func (d *Dispatcher) addDKP(ctx context.Context, inv Invocation) (string, error) {
	target, err := d.resolveMember(ctx, inv.GuildID, inv.Args[0])
	if err != nil {
		return "", err
	}
	amount, err := strconv.Atoi(inv.Args[1])
	if err != nil {
		return "", badArgs("%q is not an integer amount", inv.Args[1])
	}

	balance := d.ledger.AdjustBalance(ctx, target.ID, target.Name, amount)
	return fmt.Sprintf("%s now has %d DKP.", target.Name, balance), nil
}

func (d *Dispatcher) checkDKP(ctx context.Context, inv Invocation) (string, error) {
	target, err := d.targetOrCaller(ctx, inv)
	if err != nil {
		return "", err
	}

	p, ok := d.ledger.Balance(ctx, target.ID)
	if !ok {
		return fmt.Sprintf("%s has no recorded DKP.", target.Name), nil
	}
	return fmt.Sprintf("%s has %d DKP.", target.Name, p.Balance), nil
}

func (d *Dispatcher) dkpList(ctx context.Context, _ Invocation) (string, error) {
	players := d.ledger.Standings(ctx)
	if len(players) == 0 {
		return "No DKP has been recorded yet.", nil
	}
	var b strings.Builder
	b.WriteString("**DKP Standings:**\n")
	for i, p := range players {
		fmt.Fprintf(&b, "%d. %s: %d DKP\n", i+1, p.Name, p.Balance)
	}
	return b.String(), nil
}

func (d *Dispatcher) dkpHistory(ctx context.Context, inv Invocation) (string, error) {
	target, err := d.targetOrCaller(ctx, inv)
	if err != nil {
		return "", err
	}

	events, err := d.ledger.History(ctx, target.ID, d.opts.HistoryLimit)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return fmt.Sprintf("%s has no recorded DKP changes.", target.Name), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Recent DKP changes for %s:**\n", target.Name)
	for _, e := range events {
		var data event.DKPAdjustedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			d.logger.WarnContext(ctx, fmt.Sprintf("skipping unreadable journal entry %s: %v", e.ID, err),
				slog.String("event_id", e.ID),
				slog.Any("error", err),
			)
			continue
		}
		fmt.Fprintf(&b, "`%s` %+d → %d", e.CreatedAt.Format("2006-01-02 15:04"), data.Delta, data.Balance)
		if data.Reason != "" {
			fmt.Fprintf(&b, " (%s)", data.Reason)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (d *Dispatcher) startBid(ctx context.Context, inv Invocation) (string, error) {
	item := strings.Trim(strings.Join(inv.Args, " "), `"`)
	if item == "" {
		return "", badArgs("empty item name")
	}

	_, err := d.auctions.Start(ctx, inv.ChannelID, item, inv.Caller.Name)
	if errors.Is(err, auction.ErrAuctionOpen) {
		return "A bidding session is already active in this channel.", err
	}
	if err != nil {
		return "", err
	}

	limit := ""
	if ceiling := d.auctions.MaxBid(); ceiling > 0 {
		limit = fmt.Sprintf(" (maximum %d DKP)", ceiling)
	}
	return fmt.Sprintf("Bidding started for **%s**! Type `%sbid <amount>` to place your bid%s.", item, d.opts.Prefix, limit), nil
}

func (d *Dispatcher) bid(ctx context.Context, inv Invocation) (string, error) {
	amount, err := strconv.Atoi(inv.Args[0])
	if err != nil {
		return "", badArgs("%q is not an integer amount", inv.Args[0])
	}

	bidder := auction.Bidder{ID: inv.Caller.ID, Name: inv.Caller.Name}
	a, err := d.auctions.PlaceBid(ctx, inv.ChannelID, bidder, amount)
	switch {
	case errors.Is(err, auction.ErrNoActiveAuction):
		return "There is no active bidding session in this channel.", err
	case errors.Is(err, auction.ErrBidTooLow):
		if !a.HasBid() {
			return "Your bid must be greater than 0 DKP.", err
		}
		return fmt.Sprintf("Your bid must be higher than the current highest bid of **%d DKP** by **%s**.",
			a.HighestBid, a.HighestBidder.Name), err
	case errors.Is(err, auction.ErrBidAboveMax):
		return fmt.Sprintf("The maximum bid is **%d DKP**.", d.auctions.MaxBid()), err
	case err != nil:
		return "", err
	}
	return fmt.Sprintf("**%s** is now the highest bidder for **%s** with **%d DKP**.", bidder.Name, a.Item, a.HighestBid), nil
}

func (d *Dispatcher) bidStatus(ctx context.Context, inv Invocation) (string, error) {
	a, ok := d.auctions.Current(ctx, inv.ChannelID)
	if !ok {
		return "There is no active bidding session in this channel.", nil
	}
	if !a.HasBid() {
		return fmt.Sprintf("Bidding for **%s** is open with no bids yet.", a.Item), nil
	}
	return fmt.Sprintf("Bidding for **%s**: highest bid is **%d DKP** by **%s**.", a.Item, a.HighestBid, a.HighestBidder.Name), nil
}

func (d *Dispatcher) endBid(ctx context.Context, inv Invocation) (string, error) {
	a, err := d.auctions.End(ctx, inv.ChannelID)
	if errors.Is(err, auction.ErrNoActiveAuction) {
		return "There is no active bidding session in this channel.", err
	}
	if err != nil {
		return "", err
	}

	if !a.HasBid() {
		return fmt.Sprintf("Bidding for **%s** has ended with no bids.", a.Item), nil
	}
	winner := a.HighestBidder
	remaining := d.ledger.Deduct(ctx, winner.ID, winner.Name, a.HighestBid, "won "+a.Item)
	return fmt.Sprintf("Bidding for **%s** has ended! **%s** wins with a bid of **%d DKP** and now has %d DKP.",
		a.Item, winner.Name, a.HighestBid, remaining), nil
}

func (d *Dispatcher) attendance(ctx context.Context, inv Invocation) (string, error) {
	channel, members, err := d.dir.VoiceOccupants(ctx, inv.GuildID, inv.Caller.ID)
	if errors.Is(err, ErrNotInVoice) {
		return "You need to be in a voice channel to log attendance.", err
	}
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	d.logger.InfoContext(ctx, fmt.Sprintf("attendance in %s: %s", channel, strings.Join(names, ", ")))

	var b strings.Builder
	fmt.Fprintf(&b, "**Attendance for %s** (%d):\n", channel, len(names))
	for _, n := range names {
		fmt.Fprintf(&b, "- %s\n", n)
	}
	return b.String(), nil
}

func (d *Dispatcher) wipe(ctx context.Context, inv Invocation) (string, error) {
	if strings.Join(inv.Args, " ") != d.opts.WipePhrase {
		return "", badArgs("confirmation phrase mismatch")
	}
	n := d.ledger.WipeAll(ctx)
	return fmt.Sprintf("All DKP data has been wiped (%d players).", n), nil
}

func (d *Dispatcher) targetOrCaller(ctx context.Context, inv Invocation) (Member, error) {
	if len(inv.Args) == 0 {
		return Member{ID: inv.Caller.ID, Name: inv.Caller.Name}, nil
	}
	return d.resolveMember(ctx, inv.GuildID, inv.Args[0])
}
