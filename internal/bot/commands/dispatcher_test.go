package commands_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/makorehaps/dkpbot/internal/auction"
	"github.com/makorehaps/dkpbot/internal/authz"
	"github.com/makorehaps/dkpbot/internal/bot/commands"
	"github.com/makorehaps/dkpbot/internal/clock"
	"github.com/makorehaps/dkpbot/internal/config"
	"github.com/makorehaps/dkpbot/internal/dkp"
	"github.com/makorehaps/dkpbot/internal/store/memory"
)

const guildID = "guild-1"

// fakeDirectory implements commands.Directory for testing.
type fakeDirectory struct {
	members map[string]commands.Member
	voice   map[string]string
	err     error
}

func (f *fakeDirectory) Member(_ context.Context, _, userID string) (commands.Member, error) {
	if f.err != nil {
		return commands.Member{}, f.err
	}
	m, ok := f.members[userID]
	if !ok {
		return commands.Member{}, fmt.Errorf("member %s: %w", userID, commands.ErrMemberNotFound)
	}
	return m, nil
}

func (f *fakeDirectory) VoiceOccupants(_ context.Context, _, userID string) (string, []commands.Member, error) {
	channel, ok := f.voice[userID]
	if !ok {
		return "", nil, commands.ErrNotInVoice
	}
	var out []commands.Member
	for id, c := range f.voice {
		if c == channel {
			out = append(out, f.members[id])
		}
	}
	// Map order is random; keep replies deterministic.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Name < out[j-1].Name; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return channel, out, nil
}

var (
	officer   = commands.Caller{ID: "100", Name: "Officer", Roles: []string{"General"}}
	commander = commands.Caller{ID: "101", Name: "Boss", Roles: []string{"Commander"}}
	alice     = commands.Caller{ID: "200", Name: "Alice"}
	bob       = commands.Caller{ID: "201", Name: "Bob"}
)

type harness struct {
	d      *commands.Dispatcher
	ledger *dkp.Ledger
	dir    *fakeDirectory
}

func newHarness(t *testing.T, maxBid int) *harness {
	t.Helper()
	clk := clock.NewStepper(time.Date(2025, 6, 15, 20, 0, 0, 0, time.UTC), time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp := noop.NewTracerProvider()
	mp := metricnoop.NewMeterProvider()
	events := memory.NewEventStore(clk)

	ledger := dkp.NewLedger(events, logger, tp, mp, clk)
	registry := auction.NewRegistry(maxBid, events, logger, tp, mp, clk)
	dir := &fakeDirectory{
		members: map[string]commands.Member{},
		voice:   map[string]string{},
	}
	for _, c := range []commands.Caller{officer, commander, alice, bob} {
		dir.members[c.ID] = commands.Member{ID: c.ID, Name: c.Name}
	}

	d := commands.NewDispatcher(ledger, registry, authz.NewPolicy("General", "Commander"), dir,
		commands.Options{WipePhrase: config.DefaultWipePhrase}, logger, tp, mp)
	return &harness{d: d, ledger: ledger, dir: dir}
}

// run dispatches a raw chat message in channel "chan-1".
func (h *harness) run(t *testing.T, caller commands.Caller, content string) string {
	t.Helper()
	return h.runIn(t, "chan-1", caller, content)
}

func (h *harness) runIn(t *testing.T, channel string, caller commands.Caller, content string) string {
	t.Helper()
	name, args, ok := commands.Parse(h.d.Prefix(), content)
	require.True(t, ok, "message %q should parse", content)
	return h.d.Dispatch(context.Background(), commands.Invocation{
		Caller:    caller,
		GuildID:   guildID,
		ChannelID: channel,
		Name:      name,
		Args:      args,
	})
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantName string
		wantArgs []string
		wantOK   bool
	}{
		{name: "simple", content: "!checkdkp", wantName: "checkdkp", wantArgs: []string{}, wantOK: true},
		{name: "args", content: "!adddkp <@123> 20", wantName: "adddkp", wantArgs: []string{"<@123>", "20"}, wantOK: true},
		{name: "case folded", content: "!StartBid Epic Sword", wantName: "startbid", wantArgs: []string{"Epic", "Sword"}, wantOK: true},
		{name: "surrounding space", content: "  !bid   15  ", wantName: "bid", wantArgs: []string{"15"}, wantOK: true},
		{name: "no prefix", content: "hello there", wantOK: false},
		{name: "bare prefix", content: "!", wantOK: false},
		{name: "prefix then space", content: "!   ", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, ok := commands.Parse("!", tt.content)
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestDispatch_UnknownCommandIgnored(t *testing.T) {
	h := newHarness(t, 30)
	assert.Empty(t, h.run(t, alice, "!dance"))
}

func TestDispatch_AddAndCheckDKP(t *testing.T) {
	h := newHarness(t, 30)

	assert.Equal(t, "Alice now has 20 DKP.", h.run(t, officer, "!adddkp <@200> 20"))
	assert.Equal(t, "Alice now has 0 DKP.", h.run(t, officer, "!adddkp <@!200> -25"))
	assert.Equal(t, "Alice has 0 DKP.", h.run(t, alice, "!checkdkp"))
	assert.Equal(t, "Bob has no recorded DKP.", h.run(t, alice, "!checkdkp <@201>"))
	assert.Equal(t, "Alice has 0 DKP.", h.run(t, bob, "!checkdkp 200"))
}

func TestDispatch_Authorization(t *testing.T) {
	h := newHarness(t, 30)
	const denied = "You do not have permission to use this command."

	tests := []struct {
		name    string
		caller  commands.Caller
		content string
	}{
		{name: "member adddkp", caller: alice, content: "!adddkp <@201> 5"},
		{name: "member startbid", caller: alice, content: "!startbid Sword"},
		{name: "member endbid", caller: alice, content: "!endbid"},
		{name: "member attendance", caller: alice, content: "!attendance"},
		{name: "general wipe", caller: officer, content: "!wipedkp " + config.DefaultWipePhrase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, denied, h.run(t, tt.caller, tt.content))
		})
	}

	// A rejected command never reaches the ledger.
	_, ok := h.ledger.Balance(context.Background(), bob.ID)
	assert.False(t, ok)
}

func TestDispatch_RoleMatchingIsExact(t *testing.T) {
	h := newHarness(t, 30)
	h.run(t, officer, "!adddkp <@200> 5")

	lookalikes := []commands.Caller{
		{ID: "102", Name: "Lower", Roles: []string{"general"}},
		{ID: "103", Name: "Shout", Roles: []string{"COMMANDER"}},
		{ID: "104", Name: "Padded", Roles: []string{" commander "}},
	}
	for _, c := range lookalikes {
		assert.Equal(t, "You do not have permission to use this command.", h.run(t, c, "!adddkp <@200> 5"), c.Name)
		assert.Equal(t, "You do not have permission to use this command.", h.run(t, c, "!wipedkp "+config.DefaultWipePhrase), c.Name)
	}

	p, ok := h.ledger.Balance(context.Background(), alice.ID)
	require.True(t, ok)
	assert.Equal(t, 5, p.Balance)
}

func TestDispatch_AddDKPSaturates(t *testing.T) {
	h := newHarness(t, 30)
	h.run(t, officer, "!adddkp <@200> 20")

	assert.Equal(t, "Alice now has 9223372036854775807 DKP.", h.run(t, officer, "!adddkp <@200> 9223372036854775807"))
	assert.Equal(t, "Alice now has 9223372036854775807 DKP.", h.run(t, officer, "!adddkp <@200> 1"))
	assert.Equal(t, "Alice now has 9223372036854775797 DKP.", h.run(t, officer, "!adddkp <@200> -10"))
}

func TestDispatch_MemberLookupFailure(t *testing.T) {
	h := newHarness(t, 30)
	h.dir.err = errors.New("discord: 502 Bad Gateway")

	assert.Equal(t, "An error occurred. Please check your command and try again.", h.run(t, officer, "!adddkp <@200> 5"))
	assert.Equal(t, "An error occurred. Please check your command and try again.", h.run(t, alice, "!checkdkp <@201>"))

	_, ok := h.ledger.Balance(context.Background(), alice.ID)
	assert.False(t, ok)
}

func TestDispatch_UsageErrors(t *testing.T) {
	h := newHarness(t, 30)

	tests := []struct {
		name    string
		caller  commands.Caller
		content string
		want    string
	}{
		{
			name:    "adddkp missing amount",
			caller:  officer,
			content: "!adddkp <@200>",
			want:    "**Usage:** `!adddkp @player dkp_amount`\nExample: `!adddkp @Player 20`",
		},
		{
			name:    "adddkp non-integer",
			caller:  officer,
			content: "!adddkp <@200> lots",
			want:    "**Usage:** `!adddkp @player dkp_amount`\nExample: `!adddkp @Player 20`",
		},
		{
			name:    "adddkp not a mention",
			caller:  officer,
			content: "!adddkp Alice 5",
			want:    "**Usage:** `!adddkp @player dkp_amount`\nExample: `!adddkp @Player 20`",
		},
		{
			name:    "adddkp unknown member",
			caller:  officer,
			content: "!adddkp <@999> 5",
			want:    "**Usage:** `!adddkp @player dkp_amount`\nExample: `!adddkp @Player 20`",
		},
		{
			name:    "startbid without item",
			caller:  officer,
			content: "!startbid",
			want:    "**Usage:** `!startbid item_name`\nExample: `!startbid Epic Sword`",
		},
		{
			name:    "bid without amount",
			caller:  alice,
			content: "!bid",
			want:    "**Usage:** `!bid amount`\nExample: `!bid 15`",
		},
		{
			name:    "bid non-integer",
			caller:  alice,
			content: "!bid ten",
			want:    "**Usage:** `!bid amount`\nExample: `!bid 15`",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.run(t, tt.caller, tt.content))
		})
	}
}

func TestDispatch_AuctionScenario(t *testing.T) {
	h := newHarness(t, 30)

	h.run(t, officer, "!adddkp <@200> 20")
	h.run(t, officer, "!adddkp <@201> 25")

	got := h.run(t, officer, "!startbid Epic Sword")
	assert.Equal(t, "Bidding started for **Epic Sword**! Type `!bid <amount>` to place your bid (maximum 30 DKP).", got)

	assert.Equal(t, "A bidding session is already active in this channel.", h.run(t, officer, "!startbid Shield"))

	assert.Equal(t, "**Alice** is now the highest bidder for **Epic Sword** with **10 DKP**.", h.run(t, alice, "!bid 10"))
	assert.Equal(t, "Your bid must be higher than the current highest bid of **10 DKP** by **Alice**.", h.run(t, bob, "!bid 10"))
	assert.Equal(t, "The maximum bid is **30 DKP**.", h.run(t, bob, "!bid 31"))
	assert.Equal(t, "**Bob** is now the highest bidder for **Epic Sword** with **15 DKP**.", h.run(t, bob, "!bid 15"))
	assert.Equal(t, "Bidding for **Epic Sword**: highest bid is **15 DKP** by **Bob**.", h.run(t, alice, "!bidstatus"))

	got = h.run(t, officer, "!endbid")
	assert.Equal(t, "Bidding for **Epic Sword** has ended! **Bob** wins with a bid of **15 DKP** and now has 10 DKP.", got)

	assert.Equal(t, "Bob has 10 DKP.", h.run(t, bob, "!checkdkp"))
	assert.Equal(t, "Alice has 20 DKP.", h.run(t, alice, "!checkdkp"))
	assert.Equal(t, "There is no active bidding session in this channel.", h.run(t, alice, "!bid 20"))
	assert.Equal(t, "There is no active bidding session in this channel.", h.run(t, officer, "!endbid"))
}

func TestDispatch_FirstBidMustBePositive(t *testing.T) {
	h := newHarness(t, 30)
	h.run(t, officer, "!startbid Ring")

	assert.Equal(t, "Your bid must be greater than 0 DKP.", h.run(t, alice, "!bid 0"))
	assert.Equal(t, "Your bid must be greater than 0 DKP.", h.run(t, alice, "!bid -3"))
	assert.Equal(t, "Bidding for **Ring** is open with no bids yet.", h.run(t, alice, "!bidstatus"))
	assert.Equal(t, "Bidding for **Ring** has ended with no bids.", h.run(t, officer, "!endbid"))
}

func TestDispatch_EndBidClampsWinnerAtZero(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, officer, "!adddkp <@200> 5")
	h.run(t, officer, "!startbid Crown")

	// No ceiling configured, and bids are not checked against balances.
	h.run(t, alice, "!bid 500")
	got := h.run(t, officer, "!endbid")
	assert.Equal(t, "Bidding for **Crown** has ended! **Alice** wins with a bid of **500 DKP** and now has 0 DKP.", got)

	p, ok := h.ledger.Balance(context.Background(), alice.ID)
	require.True(t, ok)
	assert.Equal(t, 0, p.Balance)
}

func TestDispatch_AuctionsArePerChannel(t *testing.T) {
	h := newHarness(t, 30)

	h.runIn(t, "raid", officer, "!startbid Helm")
	assert.Equal(t, "There is no active bidding session in this channel.", h.runIn(t, "general", alice, "!bid 5"))
	assert.Contains(t, h.runIn(t, "general", officer, "!startbid Boots"), "Bidding started for **Boots**")
	assert.Contains(t, h.runIn(t, "raid", alice, "!bid 5"), "for **Helm**")
}

func TestDispatch_ConcurrentBids(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, officer, "!startbid Orb")

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			caller := commands.Caller{ID: fmt.Sprintf("%d", 1000+n), Name: fmt.Sprintf("player-%d", n)}
			h.d.Dispatch(context.Background(), commands.Invocation{
				Caller: caller, GuildID: guildID, ChannelID: "chan-1", Name: "bid", Args: []string{fmt.Sprintf("%d", n)},
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, "Bidding for **Orb**: highest bid is **50 DKP** by **player-50**.", h.run(t, alice, "!bidstatus"))
}

func TestDispatch_Attendance(t *testing.T) {
	h := newHarness(t, 30)

	assert.Equal(t, "You need to be in a voice channel to log attendance.", h.run(t, officer, "!attendance"))

	h.dir.voice[officer.ID] = "Raid Night"
	h.dir.voice[alice.ID] = "Raid Night"
	h.dir.voice[bob.ID] = "AFK"

	got := h.run(t, officer, "!attendance")
	assert.Equal(t, "**Attendance for Raid Night** (2):\n- Alice\n- Officer\n", got)
}

func TestDispatch_Wipe(t *testing.T) {
	h := newHarness(t, 30)
	h.run(t, officer, "!adddkp <@200> 20")
	h.run(t, officer, "!adddkp <@201> 10")

	got := h.run(t, commander, "!wipedkp please")
	assert.True(t, strings.HasPrefix(got, "**Usage:** `!wipedkp confirmation_phrase`"), "got %q", got)
	assert.Equal(t, "Alice has 20 DKP.", h.run(t, alice, "!checkdkp"))

	assert.Equal(t, "All DKP data has been wiped (2 players).", h.run(t, commander, "!wipedkp "+config.DefaultWipePhrase))
	assert.Equal(t, "Alice has no recorded DKP.", h.run(t, alice, "!checkdkp"))
	assert.Equal(t, "No DKP has been recorded yet.", h.run(t, alice, "!dkplist"))
}

func TestDispatch_DKPList(t *testing.T) {
	h := newHarness(t, 30)
	h.run(t, officer, "!adddkp <@200> 20")
	h.run(t, officer, "!adddkp <@201> 25")
	h.run(t, officer, "!adddkp <@100> 20")

	want := "**DKP Standings:**\n1. Bob: 25 DKP\n2. Alice: 20 DKP\n3. Officer: 20 DKP\n"
	assert.Equal(t, want, h.run(t, alice, "!dkplist"))
}

func TestDispatch_DKPHistory(t *testing.T) {
	h := newHarness(t, 30)

	assert.Equal(t, "Alice has no recorded DKP changes.", h.run(t, alice, "!dkphistory"))

	h.run(t, officer, "!adddkp <@200> 20")
	h.run(t, officer, "!startbid Cloak")
	h.run(t, alice, "!bid 7")
	h.run(t, officer, "!endbid")

	got := h.run(t, bob, "!dkphistory <@200>")
	lines := strings.Split(strings.TrimSpace(got), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "**Recent DKP changes for Alice:**", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "-7 → 13 (won Cloak)"), "got %q", lines[1])
	assert.True(t, strings.HasSuffix(lines[2], "+20 → 20"), "got %q", lines[2])
}

func TestDispatch_Help(t *testing.T) {
	h := newHarness(t, 30)

	got := h.run(t, alice, "!dkphelp")
	for _, want := range []string{
		"**DKP System Commands:**",
		"`!adddkp @player dkp_amount`",
		"`!checkdkp [@player]`",
		"`!startbid item_name`",
		"`!bid amount`",
		"`!endbid`",
		"`!attendance`",
		"`!wipedkp confirmation_phrase`",
		"Bids are capped at 30 DKP.",
		"**Follow Mako Rehaps:**",
	} {
		assert.Contains(t, got, want)
	}
}

func TestDispatch_HelpWithoutCeiling(t *testing.T) {
	h := newHarness(t, 0)
	assert.NotContains(t, h.run(t, alice, "!dkphelp"), "Bids are capped")
	assert.Equal(t, "Bidding started for **Gem**! Type `!bid <amount>` to place your bid.", h.run(t, officer, "!startbid Gem"))
}

func TestDispatch_QuotedItemName(t *testing.T) {
	h := newHarness(t, 30)
	got := h.run(t, officer, `!startbid "Epic Sword"`)
	assert.Contains(t, got, "**Epic Sword**")
}
