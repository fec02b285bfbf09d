// Package commands turns chat invocations into ledger and auction operations
// and renders the reply text. It knows nothing about the chat platform beyond
// the Directory interface.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/makorehaps/dkpbot/internal/auction"
	"github.com/makorehaps/dkpbot/internal/authz"
	"github.com/makorehaps/dkpbot/internal/dkp"
)

const instrumentation = "github.com/makorehaps/dkpbot/internal/bot/commands"

// Fixed replies shared by every command.
const (
	msgUnauthorized = "You do not have permission to use this command."
	msgFailed       = "An error occurred. Please check your command and try again."
)

// ErrNotInVoice is returned by Directory.VoiceOccupants when the caller is
// not connected to a voice channel.
var ErrNotInVoice = errors.New("caller is not in a voice channel")

// ErrMemberNotFound is returned by Directory.Member when the guild has no
// member with the requested id.
var ErrMemberNotFound = errors.New("member not found")

// Caller is the member who sent a command.
type Caller struct {
	ID    string
	Name  string
	Roles []string
}

// Invocation is one parsed command.
type Invocation struct {
	Caller    Caller
	GuildID   string
	ChannelID string
	Name      string
	Args      []string
}

// Member is a guild member as seen by the platform.
type Member struct {
	ID   string
	Name string
}

// Directory looks up members and voice presence on the chat platform.
type Directory interface {
	Member(ctx context.Context, guildID, userID string) (Member, error)
	VoiceOccupants(ctx context.Context, guildID, userID string) (channel string, members []Member, err error)
}

// Options tunes the dispatcher.
type Options struct {
	Prefix       string
	WipePhrase   string
	HistoryLimit int
}

// command is one entry of the command table.
type command struct {
	name        string
	capability  authz.Capability
	args        string
	example     string
	description string
	minArgs     int
	run         func(ctx context.Context, inv Invocation) (string, error)
}

// usageError marks an argument shape problem. The dispatcher answers it with
// the command's usage line.
type usageError struct {
	reason string
}

func (e *usageError) Error() string { return e.reason }

func badArgs(format string, a ...any) error {
	return &usageError{reason: fmt.Sprintf(format, a...)}
}

// Dispatcher routes invocations through the command table.
type Dispatcher struct {
	ledger   *dkp.Ledger
	auctions *auction.Registry
	policy   *authz.Policy
	dir      Directory
	opts     Options

	table map[string]*command
	order []*command

	logger   *slog.Logger
	tracer   trace.Tracer
	commands metric.Int64Counter
}

// NewDispatcher builds a Dispatcher with the full command table.
func NewDispatcher(ledger *dkp.Ledger, auctions *auction.Registry, policy *authz.Policy, dir Directory, opts Options, logger *slog.Logger, tp trace.TracerProvider, mp metric.MeterProvider) *Dispatcher {
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	counter, err := mp.Meter(instrumentation).Int64Counter("dkpbot.commands",
		metric.WithDescription("Number of handled commands by outcome"),
	)
	if err != nil {
		logger.Warn("creating command counter", slog.Any("error", err))
	}

	d := &Dispatcher{
		ledger:   ledger,
		auctions: auctions,
		policy:   policy,
		dir:      dir,
		opts:     opts,
		table:    make(map[string]*command),
		logger:   logger,
		tracer:   tp.Tracer(instrumentation),
		commands: counter,
	}
	for _, c := range d.commandTable() {
		d.table[c.name] = c
		d.order = append(d.order, c)
	}
	return d
}

// Prefix returns the command prefix.
func (d *Dispatcher) Prefix() string { return d.opts.Prefix }

// Parse splits a message into a lower-cased command name and its arguments.
// ok is false when content does not start with prefix.
func Parse(prefix, content string) (name string, args []string, ok bool) {
	content = strings.TrimSpace(content)
	if len(content) <= len(prefix) || !strings.EqualFold(content[:len(prefix)], prefix) {
		return "", nil, false
	}
	fields := strings.Fields(content[len(prefix):])
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Dispatch runs one invocation and returns the reply. An empty reply means
// the message was not a known command and should be ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation) string {
	name := strings.ToLower(inv.Name)
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Dispatch",
		trace.WithAttributes(
			attribute.String("command", name),
			attribute.String("caller_id", inv.Caller.ID),
			attribute.String("channel_id", inv.ChannelID),
		),
	)
	defer span.End()

	cmd, ok := d.table[name]
	if !ok {
		d.logger.DebugContext(ctx, "ignoring unknown command", slog.String("command", name))
		d.count(ctx, name, "unknown")
		return ""
	}

	logger := d.logger.With(
		slog.String("caller_id", inv.Caller.ID),
		slog.String("channel_id", inv.ChannelID),
	)
	logger.InfoContext(ctx, fmt.Sprintf("%s executed %s with args: %s", inv.Caller.Name, name, formatArgs(inv.Args)))

	if !d.policy.Resolve(inv.Caller.Roles).Has(cmd.capability) {
		logger.WarnContext(ctx, fmt.Sprintf("%s lacks %s permission for %s", inv.Caller.Name, cmd.capability, name))
		d.count(ctx, name, "unauthorized")
		return msgUnauthorized
	}

	var (
		reply string
		err   error
	)
	if len(inv.Args) < cmd.minArgs {
		err = badArgs("expected at least %d arguments, got %d", cmd.minArgs, len(inv.Args))
	} else {
		reply, err = cmd.run(ctx, inv)
	}
	if err == nil {
		d.count(ctx, name, "ok")
		return reply
	}

	var ue *usageError
	switch {
	case errors.As(err, &ue):
		logger.InfoContext(ctx, fmt.Sprintf("Error in %s command: %s (args: %s)", name, ue.reason, formatArgs(inv.Args)))
		d.count(ctx, name, "usage")
		return d.usage(cmd)
	case reply != "":
		// Handlers return a reply together with an error for state conflicts.
		logger.InfoContext(ctx, fmt.Sprintf("%s rejected: %s", name, err))
		d.count(ctx, name, "conflict")
		return reply
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, fmt.Sprintf("Error in %s command: %v", name, err), slog.Any("error", err))
		d.count(ctx, name, "error")
		return msgFailed
	}
}

func (d *Dispatcher) usage(c *command) string {
	return fmt.Sprintf("**Usage:** `%s`\nExample: `%s%s`", d.syntax(c), d.opts.Prefix, c.example)
}

func (d *Dispatcher) syntax(c *command) string {
	if c.args == "" {
		return d.opts.Prefix + c.name
	}
	return d.opts.Prefix + c.name + " " + c.args
}

func (d *Dispatcher) count(ctx context.Context, name, outcome string) {
	if d.commands == nil {
		return
	}
	d.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", name),
		attribute.String("outcome", outcome),
	))
}

func formatArgs(args []string) string {
	if len(args) == 0 {
		return "(none)"
	}
	return strings.Join(args, " ")
}

var mentionRE = regexp.MustCompile(`^<@!?(\d+)>$`)

// parseMention accepts a user mention or a raw numeric id.
func parseMention(s string) (string, bool) {
	if m := mentionRE.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if s != "" && strings.Trim(s, "0123456789") == "" {
		return s, true
	}
	return "", false
}

// resolveMember turns a mention argument into a guild member.
func (d *Dispatcher) resolveMember(ctx context.Context, guildID, arg string) (Member, error) {
	id, ok := parseMention(arg)
	if !ok {
		return Member{}, badArgs("%q is not a player mention", arg)
	}
	m, err := d.dir.Member(ctx, guildID, id)
	if errors.Is(err, ErrMemberNotFound) {
		return Member{}, badArgs("member %s not found", id)
	}
	if err != nil {
		return Member{}, fmt.Errorf("looking up member %s: %w", id, err)
	}
	return m, nil
}
