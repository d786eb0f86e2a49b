// Package bot connects the discipline engine and the reaction-role mapper to
// a discord session: prefix commands from moderators, and gateway events for
// reactions and out-of-band bans.
package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"linkus-bot/internal/analytics"
	"linkus-bot/internal/audit"
	"linkus-bot/internal/backend"
	"linkus-bot/internal/config"
	"linkus-bot/internal/discipline"
	"linkus-bot/internal/reactionroles"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type Bot struct {
	cfg       config.Config
	logger    *zap.Logger
	gateway   *backend.Client
	engine    *discipline.Engine
	mapper    *reactionroles.Mapper
	audit     *audit.Logger
	analytics *analytics.Service
	session   *discordgo.Session
	commands  map[string]commandFunc

	// Guild ids seen during the ready burst. A GuildCreate for an id not in
	// here is a genuine join, not the gateway replaying known guilds.
	knownMu     sync.Mutex
	knownGuilds map[string]struct{}
}

func New(cfg config.Config, logger *zap.Logger, gateway *backend.Client, auditLogger *audit.Logger, analyticsService *analytics.Service) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildBans |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsMessageContent

	b := &Bot{
		cfg:         cfg,
		logger:      logger,
		gateway:     gateway,
		audit:       auditLogger,
		analytics:   analyticsService,
		session:     session,
		knownGuilds: make(map[string]struct{}),
	}

	actions := &sessionActions{session: session}
	b.engine = discipline.NewEngine(gateway, actions, &sessionUserFinder{session: session}, auditLogger, logger)
	b.mapper = reactionroles.NewMapper(gateway, actions, logger)
	b.commands = b.commandTable()

	return b, nil
}

func (b *Bot) Start() error {
	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onGuildCreate)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onGuildBanAdd)
	b.session.AddHandler(b.onGuildBanRemove)
	b.session.AddHandler(b.onMessageReactionAdd)
	b.session.AddHandler(b.onMessageReactionRemove)

	return b.session.Open()
}

func (b *Bot) Close(ctx context.Context) {
	_ = ctx
	if b.session != nil {
		_ = b.session.Close()
	}
}

func (b *Bot) onReady(session *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("discord ready",
		zap.String("user", session.State.User.Username),
		zap.Int("guilds", len(event.Guilds)))

	b.knownMu.Lock()
	for _, guild := range event.Guilds {
		if guild != nil {
			b.knownGuilds[guild.ID] = struct{}{}
		}
	}
	b.knownMu.Unlock()
}

func (b *Bot) onGuildCreate(session *discordgo.Session, event *discordgo.GuildCreate) {
	if event.Guild == nil || event.Guild.ID == "" {
		return
	}

	b.knownMu.Lock()
	_, known := b.knownGuilds[event.Guild.ID]
	b.knownGuilds[event.Guild.ID] = struct{}{}
	b.knownMu.Unlock()

	if b.cfg.EagerCachePopulate {
		go func(guildID string) {
			if err := b.mapper.PopulateGuild(context.Background(), guildID); err != nil {
				b.logger.Warn("reaction role populate failed", zap.String("guild", guildID), zap.Error(err))
			}
		}(event.Guild.ID)
	}

	if !known && b.cfg.WelcomeOwnerOnJoin {
		b.welcomeOwner(event.Guild)
	}
}

func (b *Bot) welcomeOwner(guild *discordgo.Guild) {
	if guild.OwnerID == "" {
		return
	}
	channel, err := b.session.UserChannelCreate(guild.OwnerID)
	if err != nil {
		b.logger.Warn("owner dm channel failed", zap.String("guild", guild.ID), zap.Error(err))
		return
	}
	message := "Thanks for adding me to " + guild.Name + "! " +
		"Moderation commands start with `" + b.cfg.CommandPrefix + "`; " +
		"try `" + b.cfg.CommandPrefix + " help` in a channel I can read."
	if _, err := b.session.ChannelMessageSend(channel.ID, message); err != nil {
		b.logger.Warn("owner dm failed", zap.String("guild", guild.ID), zap.Error(err))
	}
}

func (b *Bot) onMessageCreate(session *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil || msg.Author.Bot {
		return
	}
	if msg.GuildID == "" {
		return
	}
	args, ok := b.splitCommand(msg.Content)
	if !ok {
		return
	}
	b.dispatch(context.Background(), msg, args)
}

// onGuildBanAdd reconciles bans applied outside of a bot command. The audit
// log names the moderator; bans issued through the bot are skipped since the
// engine already recorded them.
func (b *Bot) onGuildBanAdd(session *discordgo.Session, event *discordgo.GuildBanAdd) {
	if event.GuildID == "" || event.User == nil {
		return
	}
	ctx := context.Background()

	auditModerator, auditName, auditReason := b.resolveBanAudit(event.GuildID, event.User.ID)
	if b.isSelf(auditModerator) {
		return
	}
	var ban *discordgo.GuildBan
	var banErr error
	if auditModerator == "" {
		// Audit log unavailable; the ban list still carries the reason.
		ban, banErr = session.GuildBan(event.GuildID, event.User.ID)
	}
	moderatorID, moderatorName, reason, ok := externalBanContext(auditModerator, auditName, auditReason, ban, banErr)
	if !ok {
		b.logger.Warn("external ban unrecoverable, abandoning",
			zap.String("guild", event.GuildID), zap.String("user", event.User.ID), zap.Error(banErr))
		return
	}

	status, err := b.engine.Query(ctx, event.GuildID, event.User.ID, discipline.TypeBan)
	if err != nil {
		b.logger.Warn("external ban check failed",
			zap.String("guild", event.GuildID), zap.String("user", event.User.ID), zap.Error(err))
		return
	}
	if status.Active() {
		return
	}

	if err := b.engine.RecordExternalBan(ctx, event.GuildID, event.User.ID, event.User.Username, moderatorID, moderatorName, reason); err != nil {
		b.logger.Warn("external ban record failed",
			zap.String("guild", event.GuildID), zap.String("user", event.User.ID), zap.Error(err))
	}
}

// externalBanContext picks the moderator and reason for a ban that was
// applied outside the bot. The audit log wins when it named a moderator;
// otherwise the ban-list entry recovers the reason. When neither path
// produced anything, the ban is unrecoverable and no record is made.
func externalBanContext(auditModeratorID, auditModeratorName, auditReason string, ban *discordgo.GuildBan, banErr error) (moderatorID, moderatorName, reason string, ok bool) {
	if auditModeratorID != "" {
		return auditModeratorID, auditModeratorName, auditReason, true
	}
	if banErr != nil || ban == nil {
		return "", "", "", false
	}
	return "", "", ban.Reason, true
}

func (b *Bot) onGuildBanRemove(session *discordgo.Session, event *discordgo.GuildBanRemove) {
	if event.GuildID == "" || event.User == nil {
		return
	}

	moderatorID, _, _ := b.resolveUnbanAudit(event.GuildID, event.User.ID)
	if b.isSelf(moderatorID) {
		return
	}

	if err := b.engine.PardonExternalUnban(context.Background(), event.GuildID, event.User.ID); err != nil {
		b.logger.Warn("external unban pardon failed",
			zap.String("guild", event.GuildID), zap.String("user", event.User.ID), zap.Error(err))
	}
}

func (b *Bot) onMessageReactionAdd(session *discordgo.Session, event *discordgo.MessageReactionAdd) {
	if event.GuildID == "" || b.isSelf(event.UserID) {
		return
	}
	member := event.Member
	if member == nil {
		member = b.memberForUser(event.GuildID, event.UserID)
	}
	b.handleReaction(event.GuildID, event.MessageID, event.Emoji, member, true)
}

func (b *Bot) onMessageReactionRemove(session *discordgo.Session, event *discordgo.MessageReactionRemove) {
	if event.GuildID == "" || b.isSelf(event.UserID) {
		return
	}
	// Removal payloads carry no member; re-resolve by id.
	member := b.memberForUser(event.GuildID, event.UserID)
	b.handleReaction(event.GuildID, event.MessageID, event.Emoji, member, false)
}

func (b *Bot) handleReaction(guildID, messageID string, emoji discordgo.Emoji, member *discordgo.Member, add bool) {
	if emoji.ID == "" {
		// Only custom emoji are mapped; unicode reactions pass through.
		return
	}
	if member == nil || member.User == nil {
		return
	}
	guild := b.guildForID(guildID)
	if guild == nil {
		return
	}

	err := b.mapper.React(context.Background(), guild, member, messageID, emoji.ID, add)
	switch {
	case err == nil:
	case errors.Is(err, reactionroles.ErrMessageNotTracked), errors.Is(err, reactionroles.ErrEmojiNotMapped):
		// Ordinary reactions on ordinary messages.
	default:
		b.logger.Warn("reaction role apply failed",
			zap.String("guild", guildID),
			zap.String("message", messageID),
			zap.String("emoji", emoji.ID),
			zap.Bool("add", add),
			zap.Error(err))
	}
}

// resolveBanAudit scans the newest audit entries for the ban matching the
// target, returning the acting moderator and recorded reason. Entries older
// than 30 seconds are stale replays from an earlier ban of the same user.
func (b *Bot) resolveBanAudit(guildID, targetID string) (string, string, string) {
	return b.resolveAuditActor(guildID, discordgo.AuditLogActionMemberBanAdd, targetID)
}

func (b *Bot) resolveUnbanAudit(guildID, targetID string) (string, string, string) {
	return b.resolveAuditActor(guildID, discordgo.AuditLogActionMemberBanRemove, targetID)
}

func (b *Bot) resolveAuditActor(guildID string, actionType discordgo.AuditLogAction, targetID string) (string, string, string) {
	logs, err := b.session.GuildAuditLog(guildID, "", "", int(actionType), 5)
	if err != nil || logs == nil {
		return "", "", ""
	}
	for _, entry := range logs.AuditLogEntries {
		if entry == nil {
			continue
		}
		if targetID != "" && entry.TargetID != targetID {
			continue
		}
		ts, err := discordgo.SnowflakeTimestamp(entry.ID)
		if err == nil && time.Since(ts) > 30*time.Second {
			continue
		}
		name := ""
		for _, user := range logs.Users {
			if user != nil && user.ID == entry.UserID {
				name = user.Username
				break
			}
		}
		return entry.UserID, name, entry.Reason
	}
	return "", "", ""
}

func (b *Bot) isSelf(userID string) bool {
	return userID != "" && b.session.State != nil && b.session.State.User != nil &&
		b.session.State.User.ID == userID
}

func (b *Bot) guildForID(guildID string) *discordgo.Guild {
	guild, err := b.session.State.Guild(guildID)
	if err == nil && guild != nil {
		return guild
	}
	guild, _ = b.session.Guild(guildID)
	return guild
}

func (b *Bot) memberForUser(guildID, userID string) *discordgo.Member {
	member, err := b.session.State.Member(guildID, userID)
	if err == nil && member != nil {
		return member
	}
	member, _ = b.session.GuildMember(guildID, userID)
	return member
}

// splitCommand strips the configured prefix and splits the remainder into
// whitespace-separated arguments. Returns false for non-command messages.
func (b *Bot) splitCommand(content string) ([]string, bool) {
	prefix := b.cfg.CommandPrefix
	if content == prefix {
		return nil, true
	}
	if !strings.HasPrefix(content, prefix+" ") {
		return nil, false
	}
	return strings.Fields(strings.TrimPrefix(content, prefix+" ")), true
}

// sessionActions is the discordgo-backed implementation of the platform
// action interfaces used by the engine and the mapper.
type sessionActions struct {
	session *discordgo.Session
}

func (s *sessionActions) Ban(guildID, userID, reason string) error {
	return s.session.GuildBanCreateWithReason(guildID, userID, reason, 0)
}

func (s *sessionActions) Unban(guildID, userID string) error {
	return s.session.GuildBanDelete(guildID, userID)
}

func (s *sessionActions) Kick(guildID, userID, reason string) error {
	return s.session.GuildMemberDeleteWithReason(guildID, userID, reason)
}

func (s *sessionActions) AddRole(guildID, userID, roleID string) error {
	return s.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (s *sessionActions) RemoveRole(guildID, userID, roleID string) error {
	return s.session.GuildMemberRoleRemove(guildID, userID, roleID)
}

func (s *sessionActions) GrantRole(guildID, userID, roleID string) error {
	return s.AddRole(guildID, userID, roleID)
}

func (s *sessionActions) RevokeRole(guildID, userID, roleID string) error {
	return s.RemoveRole(guildID, userID, roleID)
}

type sessionUserFinder struct {
	session *discordgo.Session
}

func (s *sessionUserFinder) User(userID string) (*discordgo.User, error) {
	return s.session.User(userID)
}
