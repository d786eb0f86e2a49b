package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"linkus-bot/internal/backend"
	"linkus-bot/internal/discipline"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type commandFunc func(ctx context.Context, msg *discordgo.MessageCreate, args []string) error

func (b *Bot) commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		"help":          b.cmdHelp,
		"ban":           b.cmdBan,
		"tempban":       b.cmdTempban,
		"unban":         b.cmdUnban,
		"mute":          b.cmdMute,
		"tempmute":      b.cmdTempmute,
		"unmute":        b.cmdUnmute,
		"add_role":      b.cmdAddRole,
		"remove_role":   b.cmdRemoveRole,
		"kick":          b.cmdKick,
		"status":        b.cmdStatus,
		"history":       b.cmdHistory,
		"event_details": b.cmdEventDetails,
		"modstats":      b.cmdModstats,
		"react":         b.cmdReact,
	}
}

// dispatch runs one command and replies exactly once on failure. Handlers
// send their own success replies.
func (b *Bot) dispatch(ctx context.Context, msg *discordgo.MessageCreate, args []string) {
	if len(args) == 0 {
		_ = b.cmdHelp(ctx, msg, nil)
		return
	}
	name := strings.ToLower(args[0])
	handler, ok := b.commands[name]
	if !ok {
		b.replyError(msg, fmt.Sprintf("unknown command %q; try `%s help`", name, b.cfg.CommandPrefix))
		return
	}

	if name != "help" && !b.isModerator(msg.GuildID, msg.Author.ID) {
		b.replyError(msg, "you do not have permission to use moderation commands")
		return
	}

	if err := handler(ctx, msg, args[1:]); err != nil {
		b.logger.Warn("command failed",
			zap.String("command", name),
			zap.String("guild", msg.GuildID),
			zap.String("moderator", msg.Author.ID),
			zap.Error(err))
		b.replyError(msg, err.Error())
	}
}

func (b *Bot) cmdHelp(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	prefix := b.cfg.CommandPrefix
	lines := []string{
		"`" + prefix + " ban <user> [reason]` - permanent ban",
		"`" + prefix + " tempban <user> <duration> [reason]` - timed ban, e.g. 72h",
		"`" + prefix + " unban <user>` - pardon the active ban",
		"`" + prefix + " mute <user> [reason]` / `tempmute <user> <duration> [reason]`",
		"`" + prefix + " unmute <user>` - pardon the active mute",
		"`" + prefix + " add_role <user> <role> [reason]` / `remove_role <user> <role>`",
		"`" + prefix + " kick <user> [reason]`",
		"`" + prefix + " status <user>` - current discipline state",
		"`" + prefix + " history <user>` - full discipline record",
		"`" + prefix + " event_details <id>`",
		"`" + prefix + " modstats [days]`",
		"`" + prefix + " react create|add|remove|delete|edit|jump|post ...` - reaction roles",
	}
	b.replyInfo(msg, "Commands", strings.Join(lines, "\n"))
	return nil
}

func (b *Bot) cmdBan(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	return b.applyCommand(ctx, msg, args, discipline.TypeBan, false)
}

func (b *Bot) cmdTempban(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	return b.applyCommand(ctx, msg, args, discipline.TypeBan, true)
}

func (b *Bot) cmdMute(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	return b.applyCommand(ctx, msg, args, discipline.TypeMute, false)
}

func (b *Bot) cmdTempmute(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	return b.applyCommand(ctx, msg, args, discipline.TypeMute, true)
}

func (b *Bot) cmdKick(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	return b.applyCommand(ctx, msg, args, discipline.TypeKick, false)
}

// applyCommand is the shared flow for ban/mute/kick and their timed variants:
// <user> [duration] [reason...].
func (b *Bot) applyCommand(ctx context.Context, msg *discordgo.MessageCreate, args []string, typeName string, timed bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s <user>%s [reason]", typeName, usageDuration(timed))
	}
	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}

	// Bans may target users who already left; other types need the member.
	searchHistory := typeName == discipline.TypeBan
	target, err := b.engine.ResolveUser(ctx, guild, cleanUserArg(args[0]), searchHistory)
	if err != nil {
		return err
	}
	args = args[1:]

	duration := ""
	if timed {
		if len(args) < 1 {
			return fmt.Errorf("usage: temp%s <user> <duration> [reason]", typeName)
		}
		duration = args[0]
		args = args[1:]
	}
	if typeName == discipline.TypeKick {
		// A kick has no ongoing state; the event is recorded pre-terminated.
		duration = "0s"
	}
	reason := strings.Join(args, " ")

	req := discipline.ApplyRequest{
		GuildID:       msg.GuildID,
		Target:        target,
		ModeratorID:   msg.Author.ID,
		ModeratorName: msg.Author.Username,
		TypeName:      typeName,
		Duration:      duration,
		Reason:        reason,
	}
	if typeName == discipline.TypeMute {
		role, warning, err := discipline.ResolveRole(guild, b.cfg.MuteRoleName)
		if err != nil {
			return fmt.Errorf("mute role %q: %w", b.cfg.MuteRoleName, err)
		}
		if warning != "" {
			b.logger.Warn("mute role ambiguous", zap.String("guild", guild.ID), zap.String("note", warning))
		}
		req.Content = role.Name
		req.RoleID = role.ID
	}

	event, err := b.engine.Apply(ctx, req)
	if err != nil {
		return err
	}
	b.replyAction(msg, titleWord(typeName)+" applied", describeApplied(target, event, duration))
	return nil
}

func (b *Bot) cmdUnban(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	return b.pardonCommand(ctx, msg, args, discipline.TypeBan)
}

func (b *Bot) cmdUnmute(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	return b.pardonCommand(ctx, msg, args, discipline.TypeMute)
}

func (b *Bot) pardonCommand(ctx context.Context, msg *discordgo.MessageCreate, args []string, typeName string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: un%s <user>", typeName)
	}
	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}
	target, err := b.engine.ResolveUser(ctx, guild, cleanUserArg(args[0]), typeName == discipline.TypeBan)
	if err != nil {
		return err
	}

	req := discipline.PardonRequest{
		GuildID:     msg.GuildID,
		Target:      target,
		ModeratorID: msg.Author.ID,
		TypeName:    typeName,
	}
	if typeName == discipline.TypeMute {
		role, _, err := discipline.ResolveRole(guild, b.cfg.MuteRoleName)
		if err != nil {
			return fmt.Errorf("mute role %q: %w", b.cfg.MuteRoleName, err)
		}
		req.RoleID = role.ID
	}

	event, err := b.engine.Pardon(ctx, req)
	if err != nil {
		return err
	}
	b.replyAction(msg, "Pardoned", fmt.Sprintf("%s for %s lifted (event %d)", typeName, target.Username(), event.ID))
	return nil
}

func (b *Bot) cmdAddRole(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: add_role <user> <role> [reason]")
	}
	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}
	target, err := b.engine.ResolveUser(ctx, guild, cleanUserArg(args[0]), false)
	if err != nil {
		return err
	}
	role, warning, err := discipline.ResolveRole(guild, cleanRoleArg(args[1]))
	if err != nil {
		return err
	}
	if warning != "" {
		b.replyInfo(msg, "Note", warning)
	}

	event, err := b.engine.Apply(ctx, discipline.ApplyRequest{
		GuildID:       msg.GuildID,
		Target:        target,
		ModeratorID:   msg.Author.ID,
		ModeratorName: msg.Author.Username,
		TypeName:      discipline.TypeAddRole,
		Reason:        strings.Join(args[2:], " "),
		Content:       role.Name,
		RoleID:        role.ID,
	})
	if err != nil {
		return err
	}
	b.replyAction(msg, "Role applied", fmt.Sprintf("%s given to %s (event %d)", role.Name, target.Username(), event.ID))
	return nil
}

func (b *Bot) cmdRemoveRole(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: remove_role <user> <role>")
	}
	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}
	target, err := b.engine.ResolveUser(ctx, guild, cleanUserArg(args[0]), false)
	if err != nil {
		return err
	}
	role, _, err := discipline.ResolveRole(guild, cleanRoleArg(args[1]))
	if err != nil {
		return err
	}

	event, err := b.engine.Pardon(ctx, discipline.PardonRequest{
		GuildID:     msg.GuildID,
		Target:      target,
		ModeratorID: msg.Author.ID,
		TypeName:    discipline.TypeAddRole,
		RoleID:      role.ID,
	})
	if err != nil {
		return err
	}
	b.replyAction(msg, "Role removed", fmt.Sprintf("%s removed from %s (event %d)", role.Name, target.Username(), event.ID))
	return nil
}

func (b *Bot) cmdStatus(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: status <user>")
	}
	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}
	target, err := b.engine.ResolveUser(ctx, guild, cleanUserArg(args[0]), true)
	if err != nil {
		return err
	}

	lines := make([]string, 0, 3)
	for _, typeName := range []string{discipline.TypeBan, discipline.TypeMute, discipline.TypeAddRole} {
		status, err := b.engine.Query(ctx, msg.GuildID, target.ID(), typeName)
		if err != nil {
			return err
		}
		line := status.Describe(typeName)
		if status.Active() && status.Event.EndTime != nil {
			line += " until " + status.Event.EndTime.Format(time.RFC1123)
		}
		lines = append(lines, line)
	}
	b.replyInfo(msg, "Status of "+target.Username(), strings.Join(lines, "\n"))
	return nil
}

func (b *Bot) cmdHistory(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: history <user>")
	}
	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}
	target, err := b.engine.ResolveUser(ctx, guild, cleanUserArg(args[0]), true)
	if err != nil {
		return err
	}

	events, err := b.engine.History(ctx, msg.GuildID, target.ID())
	if err != nil {
		return err
	}
	if len(events) == 0 {
		b.replyInfo(msg, "History of "+target.Username(), "no discipline events on record")
		return nil
	}

	names, err := b.typeNames(ctx)
	if err != nil {
		return err
	}
	const maxShown = 15
	lines := make([]string, 0, maxShown+1)
	for i, event := range events {
		if i == maxShown {
			lines = append(lines, fmt.Sprintf("... and %d more", len(events)-maxShown))
			break
		}
		lines = append(lines, formatEventLine(event, names))
	}
	b.replyInfo(msg, "History of "+target.Username(), strings.Join(lines, "\n"))
	return nil
}

func (b *Bot) cmdEventDetails(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: event_details <event-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%q is not an event id", args[0])
	}
	event, err := b.engine.EventByID(ctx, id)
	if err != nil {
		return err
	}
	names, err := b.typeNames(ctx)
	if err != nil {
		return err
	}

	end := "indefinite"
	if event.EndTime != nil {
		end = event.EndTime.Format(time.RFC1123)
	}
	lines := []string{
		"Type: " + names[event.TypeID],
		fmt.Sprintf("User: %s (%s)", event.Username, backend.FormatSnowflake(event.UserID)),
		fmt.Sprintf("Moderator: %s (%s)", event.ModeratorUsername, backend.FormatSnowflake(event.ModeratorID)),
		"Start: " + event.StartTime.Format(time.RFC1123),
		"End: " + end,
		fmt.Sprintf("Terminated: %t, Pardoned: %t", event.IsTerminated, event.IsPardoned),
	}
	if event.Reason != "" {
		lines = append(lines, "Reason: "+event.Reason)
	}
	if event.Content != "" {
		lines = append(lines, "Content: "+event.Content)
	}
	b.replyInfo(msg, fmt.Sprintf("Event %d", event.ID), strings.Join(lines, "\n"))
	return nil
}

func (b *Bot) cmdModstats(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	days := 30
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			return fmt.Errorf("%q is not a number of days", args[0])
		}
		days = parsed
	}

	report, err := b.analytics.Report(ctx, msg.GuildID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return err
	}
	lines := []string{fmt.Sprintf("Total entries over %d days: %d", days, report.Total)}
	for _, level := range []string{"INFO", "WARN", "CRIT"} {
		if count := report.ByLevel[level]; count > 0 {
			lines = append(lines, fmt.Sprintf("%s: %d", level, count))
		}
	}
	for event, count := range report.ByEvent {
		lines = append(lines, fmt.Sprintf("%s: %d", event, count))
	}
	b.replyInfo(msg, "Moderation stats", strings.Join(lines, "\n"))
	return nil
}

func (b *Bot) typeNames(ctx context.Context) (map[int]string, error) {
	types, err := b.gateway.DisciplineTypeList(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(types))
	for _, t := range types {
		names[t.ID] = t.Name
	}
	return names, nil
}

func formatEventLine(event backend.DisciplineEvent, names map[int]string) string {
	state := "active"
	switch {
	case event.IsPardoned:
		state = "pardoned"
	case event.IsTerminated:
		state = "expired"
	}
	line := fmt.Sprintf("#%d %s (%s) %s", event.ID, names[event.TypeID], state, event.StartTime.Format("2006-01-02"))
	if event.Reason != "" {
		line += " - " + event.Reason
	}
	return line
}

func describeApplied(target discipline.Target, event *backend.DisciplineEvent, duration string) string {
	line := fmt.Sprintf("%s (event %d)", target.Username(), event.ID)
	switch {
	case duration == "":
		line += ", indefinite"
	case event.EndTime != nil && !event.IsTerminated:
		line += ", until " + event.EndTime.Format(time.RFC1123)
	}
	return line
}

func titleWord(word string) string {
	if word == "" {
		return word
	}
	return strings.ToUpper(word[:1]) + word[1:]
}

func usageDuration(timed bool) string {
	if timed {
		return " <duration>"
	}
	return ""
}

// isModerator gates every command: the guild owner, or a member whose role
// permissions include administrator, ban or kick rights.
func (b *Bot) isModerator(guildID, userID string) bool {
	guild := b.guildForID(guildID)
	if guild == nil {
		return false
	}
	if guild.OwnerID == userID {
		return true
	}
	member := b.memberForUser(guildID, userID)
	if member == nil {
		return false
	}
	perms := memberPermissions(guild, member)
	return perms&(discordgo.PermissionAdministrator|discordgo.PermissionBanMembers|discordgo.PermissionKickMembers) != 0
}

func memberPermissions(guild *discordgo.Guild, member *discordgo.Member) int64 {
	perms := int64(0)
	roleMap := make(map[string]*discordgo.Role, len(guild.Roles))
	for _, role := range guild.Roles {
		roleMap[role.ID] = role
		if role.ID == guild.ID {
			perms |= role.Permissions
		}
	}
	for _, roleID := range member.Roles {
		if role := roleMap[roleID]; role != nil {
			perms |= role.Permissions
		}
	}
	return perms
}

func cleanUserArg(arg string) string {
	arg = strings.TrimSuffix(strings.TrimPrefix(arg, "<@"), ">")
	return strings.TrimPrefix(arg, "!")
}

func cleanRoleArg(arg string) string {
	return strings.TrimSuffix(strings.TrimPrefix(arg, "<@&"), ">")
}

func parseChannelArg(arg string) string {
	return strings.TrimSuffix(strings.TrimPrefix(arg, "<#"), ">")
}

// parseEmojiArg accepts a custom emoji mention (<:name:id> or <a:name:id>) or
// a bare emoji snowflake.
func parseEmojiArg(arg string) (string, error) {
	if strings.HasPrefix(arg, "<") && strings.HasSuffix(arg, ">") {
		parts := strings.Split(strings.Trim(arg, "<>"), ":")
		if len(parts) == 3 && parts[2] != "" {
			return parts[2], nil
		}
		return "", fmt.Errorf("%q is not a custom emoji", arg)
	}
	if _, err := strconv.ParseInt(arg, 10, 64); err != nil {
		return "", fmt.Errorf("%q is not a custom emoji; only custom emoji can map to roles", arg)
	}
	return arg, nil
}

func (b *Bot) replyError(msg *discordgo.MessageCreate, text string) {
	b.reply(msg, b.cfg.EmbedColors.Error, "Error", text)
}

func (b *Bot) replyAction(msg *discordgo.MessageCreate, title, text string) {
	b.reply(msg, b.cfg.EmbedColors.Action, title, text)
}

func (b *Bot) replyInfo(msg *discordgo.MessageCreate, title, text string) {
	b.reply(msg, b.cfg.EmbedColors.Warning, title, text)
}

func (b *Bot) reply(msg *discordgo.MessageCreate, color int, title, text string) {
	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: text,
		Color:       color,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	if _, err := b.session.ChannelMessageSendEmbed(msg.ChannelID, embed); err != nil {
		b.logger.Warn("reply failed", zap.String("channel", msg.ChannelID), zap.Error(err))
	}
}
