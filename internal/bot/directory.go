package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/makorehaps/dkpbot/internal/bot/commands"
)

// Directory answers member, role and voice lookups from the session state,
// falling back to the REST API when the cache misses.
type Directory struct {
	session *discordgo.Session
}

// NewDirectory returns a Directory over session.
func NewDirectory(session *discordgo.Session) *Directory {
	return &Directory{session: session}
}

// Member returns the guild member with userID.
func (d *Directory) Member(ctx context.Context, guildID, userID string) (commands.Member, error) {
	m, err := d.session.State.Member(guildID, userID)
	if err != nil {
		m, err = d.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if isNotFound(err) {
			return commands.Member{}, fmt.Errorf("fetching member %s: %w", userID, commands.ErrMemberNotFound)
		}
		if err != nil {
			return commands.Member{}, fmt.Errorf("fetching member %s: %w", userID, err)
		}
	}
	return toMember(m, userID), nil
}

// VoiceOccupants returns the name of the voice channel userID is connected to
// and everyone in it, sorted by name.
func (d *Directory) VoiceOccupants(ctx context.Context, guildID, userID string) (string, []commands.Member, error) {
	vs, err := d.session.State.VoiceState(guildID, userID)
	if err != nil || vs.ChannelID == "" {
		return "", nil, commands.ErrNotInVoice
	}
	channelID := vs.ChannelID

	channelName := channelID
	if ch, err := d.session.State.Channel(channelID); err == nil {
		channelName = ch.Name
	}

	guild, err := d.session.State.Guild(guildID)
	if err != nil {
		return "", nil, fmt.Errorf("loading guild %s: %w", guildID, err)
	}

	d.session.State.RLock()
	var states []*discordgo.VoiceState
	for _, s := range guild.VoiceStates {
		if s.ChannelID == channelID {
			states = append(states, s)
		}
	}
	d.session.State.RUnlock()

	members := make([]commands.Member, 0, len(states))
	for _, s := range states {
		if s.Member != nil && s.Member.User != nil {
			members = append(members, toMember(s.Member, s.UserID))
			continue
		}
		m, err := d.Member(ctx, guildID, s.UserID)
		if err != nil {
			members = append(members, commands.Member{ID: s.UserID, Name: s.UserID})
			continue
		}
		members = append(members, m)
	}
	slices.SortFunc(members, func(a, b commands.Member) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return channelName, members, nil
}

// RoleNames maps role ids to their names. Unknown ids are dropped.
func (d *Directory) RoleNames(guildID string, roleIDs []string) []string {
	if len(roleIDs) == 0 {
		return nil
	}
	names := make([]string, 0, len(roleIDs))
	var missing []string
	for _, id := range roleIDs {
		r, err := d.session.State.Role(guildID, id)
		if err != nil {
			missing = append(missing, id)
			continue
		}
		names = append(names, r.Name)
	}
	if len(missing) == 0 {
		return names
	}

	roles, err := d.session.GuildRoles(guildID)
	if err != nil {
		return names
	}
	for _, r := range roles {
		if slices.Contains(missing, r.ID) {
			names = append(names, r.Name)
		}
		// Cache for the next message. RoleAdd only fails when the guild itself
		// is not cached, and then the next lookup goes to REST again.
		_ = d.session.State.RoleAdd(guildID, r)
	}
	return names
}

// isNotFound reports whether err is Discord saying the member or user does
// not exist.
func isNotFound(err error) bool {
	var rerr *discordgo.RESTError
	if !errors.As(err, &rerr) {
		return false
	}
	if rerr.Message != nil {
		switch rerr.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return true
		}
	}
	return rerr.Response != nil && rerr.Response.StatusCode == http.StatusNotFound
}

func toMember(m *discordgo.Member, userID string) commands.Member {
	if m.User == nil {
		name := m.Nick
		if name == "" {
			name = userID
		}
		return commands.Member{ID: userID, Name: name}
	}
	return commands.Member{ID: m.User.ID, Name: m.DisplayName()}
}
