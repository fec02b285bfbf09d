// Package bot connects the command dispatcher to a Discord gateway session.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/makorehaps/dkpbot/internal/bot/commands"
	"github.com/makorehaps/dkpbot/internal/config"
)

const instrumentation = "github.com/makorehaps/dkpbot/internal/bot"

// Intents the bot needs: guild metadata, message text and voice presence.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent |
	discordgo.IntentsGuildVoiceStates

const msgFailed = "An error occurred. Please check your command and try again."

// ErrNotReady is returned by Ping before the gateway handshake completes or
// after the connection drops.
var ErrNotReady = errors.New("discord session not ready")

// Dispatcher runs parsed commands.
type Dispatcher interface {
	Prefix() string
	Dispatch(ctx context.Context, inv commands.Invocation) string
}

// Bot wraps the Discord session and routes prefixed messages to a Dispatcher.
type Bot struct {
	session    *discordgo.Session
	cfg        config.BotConfig
	dir        *Directory
	dispatcher Dispatcher
	ready      atomic.Bool

	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a new Bot instance. The token is used as-is, without the
// "Bot " scheme.
func New(token string, cfg config.BotConfig, logger *slog.Logger, tp trace.TracerProvider) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = Intents

	return &Bot{
		session: session,
		cfg:     cfg,
		dir:     NewDirectory(session),
		logger:  logger,
		tracer:  tp.Tracer(instrumentation),
	}, nil
}

// Directory returns the member and voice lookups backed by this session.
func (b *Bot) Directory() *Directory { return b.dir }

// Start registers the message handler and opens the Discord connection.
func (b *Bot) Start(ctx context.Context, d Dispatcher) error {
	b.dispatcher = d

	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.ready.Store(true)
		b.logger.InfoContext(ctx, fmt.Sprintf("%s has connected to Discord!", r.User.Username))
	})
	b.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		b.ready.Store(true)
	})
	b.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.ready.Store(false)
		b.logger.WarnContext(ctx, "disconnected from Discord")
	})
	b.session.AddHandler(b.messageCreate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	return nil
}

// Stop gracefully closes the Discord connection.
func (b *Bot) Stop() error {
	b.ready.Store(false)
	return b.session.Close()
}

// Ping reports whether the gateway connection is up.
func (b *Bot) Ping(_ context.Context) error {
	if !b.ready.Load() {
		return ErrNotReady
	}
	return nil
}

func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	inv, ok := b.invocation(m.Message)
	if !ok {
		return
	}

	ctx, span := b.tracer.Start(context.Background(), "MessageCreate",
		trace.WithAttributes(
			attribute.String("command", inv.Name),
			attribute.String("channel_id", inv.ChannelID),
		),
	)
	defer span.End()

	reply := b.dispatch(ctx, inv)
	if reply == "" {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, reply, discordgo.WithContext(ctx)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.ErrorContext(ctx, fmt.Sprintf("failed to send reply to channel %s: %v", m.ChannelID, err),
			slog.String("channel_id", m.ChannelID),
			slog.Any("error", err),
		)
	}
}

// dispatch runs the command, turning a panic into the generic failure reply.
func (b *Bot) dispatch(ctx context.Context, inv commands.Invocation) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, fmt.Sprintf("Error in %s command: %v", inv.Name, r),
				slog.String("stack", string(debug.Stack())),
			)
			reply = msgFailed
		}
	}()
	return b.dispatcher.Dispatch(ctx, inv)
}

// invocation turns a guild message into a command invocation. ok is false for
// bot authors, direct messages, other guilds and unprefixed text.
func (b *Bot) invocation(m *discordgo.Message) (commands.Invocation, bool) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return commands.Invocation{}, false
	}
	if b.cfg.GuildID != "" && m.GuildID != b.cfg.GuildID {
		return commands.Invocation{}, false
	}
	name, args, ok := commands.Parse(b.dispatcher.Prefix(), m.Content)
	if !ok {
		return commands.Invocation{}, false
	}

	var roleIDs []string
	if m.Member != nil {
		roleIDs = m.Member.Roles
	}
	return commands.Invocation{
		Caller: commands.Caller{
			ID:    m.Author.ID,
			Name:  authorName(m),
			Roles: b.dir.RoleNames(m.GuildID, roleIDs),
		},
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Name:      name,
		Args:      args,
	}, true
}

// authorName prefers the guild nickname. The partial member attached to a
// message carries no user, so it cannot use Member.DisplayName.
func authorName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	return m.Author.DisplayName()
}
