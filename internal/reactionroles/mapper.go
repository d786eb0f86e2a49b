// Package reactionroles keeps the in-memory mapping from guild to message
// to emoji to role and applies it to incoming reaction events. The backend owns the
// mappings; the cache is repopulated from it per guild and is never allowed
// to run ahead of an unacknowledged backend write.
package reactionroles

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"linkus-bot/internal/backend"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

var (
	ErrMessageNotTracked = errors.New("message is not a tracked reaction-role message")
	ErrEmojiNotMapped    = errors.New("emoji has no mapping on this message")
	ErrRoleGone          = errors.New("mapped role no longer exists in the guild")
)

// Gateway is the subset of the backend client the mapper depends on.
type Gateway interface {
	ReactionRoleEmbedCreate(ctx context.Context, messageID, guildID, creatorID string, mapping map[string]string) (*backend.ReactionRoleEmbed, error)
	ReactionRoleEmbedList(ctx context.Context, guildID string) ([]backend.ReactionRoleEmbed, error)
	ReactionRoleEmbedDelete(ctx context.Context, messageID string) error
	ReactionRoleMappingsAdd(ctx context.Context, messageID string, mapping map[string]string) error
	ReactionRoleMappingsRemove(ctx context.Context, messageID string, emojiIDs []string) error
}

// RoleManager grants and revokes roles on the platform. Both operations must
// be idempotent from the mapper's point of view.
type RoleManager interface {
	GrantRole(guildID, userID, roleID string) error
	RevokeRole(guildID, userID, roleID string) error
}

// Mapper is the cache plus the mutation and dispatch logic around it. One
// mutex covers the whole nested structure: lookups are in-memory and short,
// so coarse locking keeps population atomic without measurable contention.
type Mapper struct {
	gateway Gateway
	roles   RoleManager
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]map[string]map[string]string // guild -> message -> emoji -> role
}

func NewMapper(gateway Gateway, roles RoleManager, logger *zap.Logger) *Mapper {
	return &Mapper{
		gateway: gateway,
		roles:   roles,
		logger:  logger,
		cache:   make(map[string]map[string]map[string]string),
	}
}

// Lookup resolves a reaction to a role id. A guild missing from the cache is
// populated from the backend before the lookup proceeds.
func (m *Mapper) Lookup(ctx context.Context, guildID, messageID, emojiID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	guild, ok := m.cache[guildID]
	if !ok {
		populated, err := m.fetchGuild(ctx, guildID)
		if err != nil {
			return "", err
		}
		m.cache[guildID] = populated
		guild = populated
	}

	messages, ok := guild[messageID]
	if !ok {
		return "", ErrMessageNotTracked
	}
	roleID, ok := messages[emojiID]
	if !ok {
		return "", ErrEmojiNotMapped
	}
	return roleID, nil
}

// PopulateGuild replaces the guild's cache entry from the backend. Safe to
// call concurrently with lookups and with itself; repopulation is idempotent.
func (m *Mapper) PopulateGuild(ctx context.Context, guildID string) error {
	populated, err := m.fetchGuild(ctx, guildID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[guildID] = populated
	m.mu.Unlock()
	return nil
}

// fetchGuild builds a fresh nested map for one guild. Callers that hold the
// cache lock accept the backend round trip inside the critical section: that
// is what makes population atomic from a concurrent lookup's perspective.
func (m *Mapper) fetchGuild(ctx context.Context, guildID string) (map[string]map[string]string, error) {
	embeds, err := m.gateway.ReactionRoleEmbedList(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("populating reaction roles for guild %s: %w", guildID, err)
	}
	populated := make(map[string]map[string]string, len(embeds))
	for _, embed := range embeds {
		mapping := make(map[string]string, len(embed.Mapping))
		for emojiID, roleID := range embed.Mapping {
			mapping[emojiID] = backend.FormatSnowflake(roleID)
		}
		populated[backend.FormatSnowflake(embed.MessageID)] = mapping
	}
	return populated, nil
}

// CreateEmbed registers a tracked message on the backend and mirrors it into
// the cache only after the backend acknowledges.
func (m *Mapper) CreateEmbed(ctx context.Context, guildID, messageID, creatorID string, initial map[string]string) error {
	created, err := m.gateway.ReactionRoleEmbedCreate(ctx, messageID, guildID, creatorID, initial)
	if err != nil {
		return err
	}

	mapping := make(map[string]string, len(created.Mapping))
	for emojiID, roleID := range created.Mapping {
		mapping[emojiID] = backend.FormatSnowflake(roleID)
	}

	m.mu.Lock()
	guild := m.cache[guildID]
	if guild == nil {
		guild = make(map[string]map[string]string)
		m.cache[guildID] = guild
	}
	guild[messageID] = mapping
	m.mu.Unlock()
	return nil
}

// AddMapping adds one emoji-to-role pair. Backend first; the cache is untouched
// on failure.
func (m *Mapper) AddMapping(ctx context.Context, guildID, messageID, emojiID, roleID string) error {
	if err := m.gateway.ReactionRoleMappingsAdd(ctx, messageID, map[string]string{emojiID: roleID}); err != nil {
		return err
	}

	m.mu.Lock()
	guild := m.cache[guildID]
	if guild == nil {
		guild = make(map[string]map[string]string)
		m.cache[guildID] = guild
	}
	mapping := guild[messageID]
	if mapping == nil {
		mapping = make(map[string]string)
		guild[messageID] = mapping
	}
	mapping[emojiID] = roleID
	m.mu.Unlock()
	return nil
}

// RemoveMapping removes one emoji mapping. Backend first; the cache is
// untouched on failure.
func (m *Mapper) RemoveMapping(ctx context.Context, guildID, messageID, emojiID string) error {
	if err := m.gateway.ReactionRoleMappingsRemove(ctx, messageID, []string{emojiID}); err != nil {
		return err
	}

	m.mu.Lock()
	if guild := m.cache[guildID]; guild != nil {
		if mapping := guild[messageID]; mapping != nil {
			delete(mapping, emojiID)
		}
	}
	m.mu.Unlock()
	return nil
}

// DeleteEmbed removes the tracked message. The backend delete gates the cache
// removal; the cache side cannot fail, so the removal is unconditional.
func (m *Mapper) DeleteEmbed(ctx context.Context, guildID, messageID string) error {
	if err := m.gateway.ReactionRoleEmbedDelete(ctx, messageID); err != nil {
		return err
	}

	m.mu.Lock()
	if guild := m.cache[guildID]; guild != nil {
		delete(guild, messageID)
	}
	m.mu.Unlock()
	return nil
}

// TrackedMessages returns the tracked message ids currently cached for a
// guild, populating the cache if needed.
func (m *Mapper) TrackedMessages(ctx context.Context, guildID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	guild, ok := m.cache[guildID]
	if !ok {
		populated, err := m.fetchGuild(ctx, guildID)
		if err != nil {
			return nil, err
		}
		m.cache[guildID] = populated
		guild = populated
	}

	messages := make([]string, 0, len(guild))
	for messageID := range guild {
		messages = append(messages, messageID)
	}
	return messages, nil
}

// Mapping returns a copy of the emoji-to-role pairs for one tracked message,
// populating the guild's cache if needed.
func (m *Mapper) Mapping(ctx context.Context, guildID, messageID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	guild, ok := m.cache[guildID]
	if !ok {
		populated, err := m.fetchGuild(ctx, guildID)
		if err != nil {
			return nil, err
		}
		m.cache[guildID] = populated
		guild = populated
	}

	mapping, ok := guild[messageID]
	if !ok {
		return nil, ErrMessageNotTracked
	}
	out := make(map[string]string, len(mapping))
	for emojiID, roleID := range mapping {
		out[emojiID] = roleID
	}
	return out, nil
}

// React applies one reaction event: look the emoji up, verify the mapped
// role still resolves, then grant (add=true) or revoke the role. Granting a
// role the member already holds, or revoking one they lack, is a no-op.
func (m *Mapper) React(ctx context.Context, guild *discordgo.Guild, member *discordgo.Member, messageID, emojiID string, add bool) error {
	roleID, err := m.Lookup(ctx, guild.ID, messageID, emojiID)
	if err != nil {
		return err
	}

	if !roleExists(guild, roleID) {
		return fmt.Errorf("%w: role %s", ErrRoleGone, roleID)
	}

	has := memberHasRole(member, roleID)
	userID := ""
	if member.User != nil {
		userID = member.User.ID
	}

	if add {
		if has {
			return nil
		}
		return m.roles.GrantRole(guild.ID, userID, roleID)
	}
	if !has {
		return nil
	}
	return m.roles.RevokeRole(guild.ID, userID, roleID)
}

func roleExists(guild *discordgo.Guild, roleID string) bool {
	for _, role := range guild.Roles {
		if role != nil && role.ID == roleID {
			return true
		}
	}
	return false
}

func memberHasRole(member *discordgo.Member, roleID string) bool {
	for _, id := range member.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}
