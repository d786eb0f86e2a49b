package discipline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"linkus-bot/internal/backend"

	"github.com/bwmarrin/discordgo"
)

// Target is the user-or-member union: a guild member when resolution found
// one, otherwise a bare global user. Role operations require a member and
// fail explicitly on a bare user.
type Target struct {
	User   *discordgo.User
	Member *discordgo.Member
}

func (t Target) ID() string {
	if t.Member != nil && t.Member.User != nil {
		return t.Member.User.ID
	}
	if t.User != nil {
		return t.User.ID
	}
	return ""
}

func (t Target) Username() string {
	if t.Member != nil && t.Member.User != nil {
		return t.Member.User.Username
	}
	if t.User != nil {
		return t.User.Username
	}
	return ""
}

func (t Target) InGuild() bool { return t.Member != nil }

// UserFinder fetches a global user by id when the guild roster has no entry.
type UserFinder interface {
	User(userID string) (*discordgo.User, error)
}

// ResolveUser turns a free-text identifier into a Target. Precedence: exact
// case-insensitive username in the guild, then nickname, then the identifier
// as a member snowflake, then as a global user snowflake. When searchHistory
// is set, the backend's username history is consulted last; this is only
// enabled for commands that act on users who may have left (e.g. unban).
func (e *Engine) ResolveUser(ctx context.Context, guild *discordgo.Guild, identifier string, searchHistory bool) (Target, error) {
	if member := memberByName(guild, identifier); member != nil {
		return Target{User: member.User, Member: member}, nil
	}

	if _, err := backend.ParseSnowflake(identifier); err == nil {
		if member := memberByID(guild, identifier); member != nil {
			return Target{User: member.User, Member: member}, nil
		}
		if user, err := e.users.User(identifier); err == nil && user != nil {
			return Target{User: user}, nil
		}
	}

	if searchHistory {
		return e.resolveFromHistory(ctx, guild, identifier)
	}
	return Target{}, fmt.Errorf("user %q does not exist or is not a member of this guild", identifier)
}

func (e *Engine) resolveFromHistory(ctx context.Context, guild *discordgo.Guild, identifier string) (Target, error) {
	event, err := e.gateway.LatestEventByUsername(ctx, identifier)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return Target{}, fmt.Errorf("user %q has never been disciplined under that name", identifier)
		}
		return Target{}, err
	}

	userID := backend.FormatSnowflake(event.UserID)
	if member := memberByID(guild, userID); member != nil {
		return Target{User: member.User, Member: member}, nil
	}
	user, err := e.users.User(userID)
	if err != nil || user == nil {
		return Target{}, fmt.Errorf("user %q was found in discipline history but no longer resolves on the platform", identifier)
	}
	return Target{User: user}, nil
}

// ResolveRole finds a guild role by exact case-insensitive name, falling back
// to treating the identifier as a role snowflake. More than one name match is
// non-fatal: the first is used and a warning returned.
func ResolveRole(guild *discordgo.Guild, identifier string) (*discordgo.Role, string, error) {
	var matches []*discordgo.Role
	for _, role := range guild.Roles {
		if role != nil && strings.EqualFold(role.Name, identifier) {
			matches = append(matches, role)
		}
	}

	if len(matches) == 0 {
		if _, err := backend.ParseSnowflake(identifier); err == nil {
			for _, role := range guild.Roles {
				if role != nil && role.ID == identifier {
					return role, "", nil
				}
			}
		}
		return nil, "", fmt.Errorf("role %q does not exist in this guild", identifier)
	}

	warning := ""
	if len(matches) > 1 {
		warning = fmt.Sprintf("%d roles named %q; using the first match", len(matches), identifier)
	}
	return matches[0], warning, nil
}

func memberByName(guild *discordgo.Guild, name string) *discordgo.Member {
	for _, member := range guild.Members {
		if member != nil && member.User != nil && strings.EqualFold(member.User.Username, name) {
			return member
		}
	}
	for _, member := range guild.Members {
		if member != nil && member.Nick != "" && strings.EqualFold(member.Nick, name) {
			return member
		}
	}
	return nil
}

func memberByID(guild *discordgo.Guild, userID string) *discordgo.Member {
	for _, member := range guild.Members {
		if member != nil && member.User != nil && member.User.ID == userID {
			return member
		}
	}
	return nil
}
