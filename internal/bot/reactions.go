package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"linkus-bot/internal/discipline"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// cmdReact is the reaction-role command group. Every subcommand names the
// channel explicitly; the backend tracks messages by id only.
func (b *Bot) cmdReact(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: react <create|add|remove|delete|edit|jump|post> ...")
	}
	sub := strings.ToLower(args[0])
	args = args[1:]

	switch sub {
	case "create":
		return b.reactCreate(ctx, msg, args)
	case "add":
		return b.reactAdd(ctx, msg, args)
	case "remove":
		return b.reactRemove(ctx, msg, args)
	case "delete":
		return b.reactDelete(ctx, msg, args)
	case "edit":
		return b.reactEdit(ctx, msg, args)
	case "jump":
		return b.reactJump(ctx, msg, args)
	case "post":
		return b.reactPost(ctx, msg, args)
	default:
		return fmt.Errorf("unknown react subcommand %q", sub)
	}
}

func (b *Bot) reactCreate(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: react create <channel> <title...>")
	}
	channelID := parseChannelArg(args[0])
	title := strings.Join(args[1:], " ")

	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}

	posted, err := b.session.ChannelMessageSendEmbed(channelID, b.renderReactionEmbed(guild, title, nil))
	if err != nil {
		return fmt.Errorf("posting to <#%s>: %w", channelID, err)
	}

	if err := b.mapper.CreateEmbed(ctx, msg.GuildID, posted.ID, msg.Author.ID, nil); err != nil {
		// The message exists but is not tracked; remove it so moderators do
		// not react to a dead embed.
		_ = b.session.ChannelMessageDelete(channelID, posted.ID)
		return err
	}
	b.replyAction(msg, "Reaction roles created", fmt.Sprintf("tracking message %s in <#%s>", posted.ID, channelID))
	return nil
}

func (b *Bot) reactAdd(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 4 {
		return errors.New("usage: react add <channel> <message-id> <emoji> <role>")
	}
	channelID := parseChannelArg(args[0])
	messageID := args[1]
	emojiID, err := parseEmojiArg(args[2])
	if err != nil {
		return err
	}
	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}
	role, warning, err := discipline.ResolveRole(guild, cleanRoleArg(args[3]))
	if err != nil {
		return err
	}
	if warning != "" {
		b.replyInfo(msg, "Note", warning)
	}

	if err := b.mapper.AddMapping(ctx, msg.GuildID, messageID, emojiID, role.ID); err != nil {
		return err
	}
	b.refreshReactionMessage(ctx, guild, channelID, messageID, "")

	// Seed the reaction so members can click instead of hunting the emoji.
	if name := emojiReactionName(guild, emojiID); name != "" {
		_ = b.session.MessageReactionAdd(channelID, messageID, name)
	}
	b.replyAction(msg, "Mapping added", fmt.Sprintf("%s now grants %s", emojiMention(guild, emojiID), role.Name))
	return nil
}

func (b *Bot) reactRemove(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: react remove <channel> <message-id> <emoji>")
	}
	channelID := parseChannelArg(args[0])
	messageID := args[1]
	emojiID, err := parseEmojiArg(args[2])
	if err != nil {
		return err
	}

	if err := b.mapper.RemoveMapping(ctx, msg.GuildID, messageID, emojiID); err != nil {
		return err
	}
	guild := b.guildForID(msg.GuildID)
	if guild != nil {
		b.refreshReactionMessage(ctx, guild, channelID, messageID, "")
		if name := emojiReactionName(guild, emojiID); name != "" {
			_ = b.session.MessageReactionsRemoveEmoji(channelID, messageID, name)
		}
	}
	b.replyAction(msg, "Mapping removed", "emoji "+emojiMention(guild, emojiID)+" no longer grants a role")
	return nil
}

func (b *Bot) reactDelete(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: react delete <channel> <message-id>")
	}
	channelID := parseChannelArg(args[0])
	messageID := args[1]

	if err := b.mapper.DeleteEmbed(ctx, msg.GuildID, messageID); err != nil {
		return err
	}
	// Untracking succeeded; removing the message itself is cosmetic.
	_ = b.session.ChannelMessageDelete(channelID, messageID)
	b.replyAction(msg, "Reaction roles deleted", "message "+messageID+" is no longer tracked")
	return nil
}

func (b *Bot) reactEdit(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: react edit <channel> <message-id> <title...>")
	}
	channelID := parseChannelArg(args[0])
	messageID := args[1]
	title := strings.Join(args[2:], " ")

	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}
	if _, err := b.mapper.Mapping(ctx, msg.GuildID, messageID); err != nil {
		return err
	}
	b.refreshReactionMessage(ctx, guild, channelID, messageID, title)
	b.replyAction(msg, "Reaction roles updated", "message "+messageID+" re-rendered")
	return nil
}

func (b *Bot) reactJump(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: react jump <channel> <message-id>")
	}
	channelID := parseChannelArg(args[0])
	messageID := args[1]

	if _, err := b.mapper.Mapping(ctx, msg.GuildID, messageID); err != nil {
		return err
	}
	link := fmt.Sprintf("https://discord.com/channels/%s/%s/%s", msg.GuildID, channelID, messageID)
	b.replyInfo(msg, "Reaction role message", link)
	return nil
}

func (b *Bot) reactPost(ctx context.Context, msg *discordgo.MessageCreate, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: react post <channel> <message-id>")
	}
	channelID := parseChannelArg(args[0])
	messageID := args[1]

	guild := b.guildForID(msg.GuildID)
	if guild == nil {
		return fmt.Errorf("guild %s is not available", msg.GuildID)
	}
	mapping, err := b.mapper.Mapping(ctx, msg.GuildID, messageID)
	if err != nil {
		return err
	}
	if _, err := b.session.ChannelMessageSendEmbed(channelID, b.renderReactionEmbed(guild, "Reaction Roles", mapping)); err != nil {
		return fmt.Errorf("posting to <#%s>: %w", channelID, err)
	}
	b.replyAction(msg, "Posted", fmt.Sprintf("current mappings of %s posted to <#%s>", messageID, channelID))
	return nil
}

// refreshReactionMessage re-renders the tracked embed after a mapping change.
// Rendering failures are logged, not surfaced; the mapping itself already
// took effect.
func (b *Bot) refreshReactionMessage(ctx context.Context, guild *discordgo.Guild, channelID, messageID, title string) {
	mapping, err := b.mapper.Mapping(ctx, guild.ID, messageID)
	if err != nil {
		b.logger.Warn("reaction embed refresh failed", zap.String("message", messageID), zap.Error(err))
		return
	}
	if title == "" {
		if existing, err := b.session.ChannelMessage(channelID, messageID); err == nil &&
			len(existing.Embeds) > 0 && existing.Embeds[0] != nil {
			title = existing.Embeds[0].Title
		}
	}
	if title == "" {
		title = "Reaction Roles"
	}
	if _, err := b.session.ChannelMessageEditEmbed(channelID, messageID, b.renderReactionEmbed(guild, title, mapping)); err != nil {
		b.logger.Warn("reaction embed refresh failed", zap.String("message", messageID), zap.Error(err))
	}
}

func (b *Bot) renderReactionEmbed(guild *discordgo.Guild, title string, mapping map[string]string) *discordgo.MessageEmbed {
	lines := make([]string, 0, len(mapping))
	emojiIDs := make([]string, 0, len(mapping))
	for emojiID := range mapping {
		emojiIDs = append(emojiIDs, emojiID)
	}
	sort.Strings(emojiIDs)
	for _, emojiID := range emojiIDs {
		lines = append(lines, emojiMention(guild, emojiID)+" → <@&"+mapping[emojiID]+">")
	}
	description := "React to receive the matching role."
	if len(lines) > 0 {
		description += "\n\n" + strings.Join(lines, "\n")
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       b.cfg.EmbedColors.Action,
	}
}

// emojiMention renders a custom emoji for embed text, falling back to the
// bare id when the emoji left the guild.
func emojiMention(guild *discordgo.Guild, emojiID string) string {
	if guild != nil {
		for _, emoji := range guild.Emojis {
			if emoji != nil && emoji.ID == emojiID {
				return "<:" + emoji.Name + ":" + emoji.ID + ">"
			}
		}
	}
	return emojiID
}

// emojiReactionName is the name:id form the reaction endpoints expect.
func emojiReactionName(guild *discordgo.Guild, emojiID string) string {
	if guild == nil {
		return ""
	}
	for _, emoji := range guild.Emojis {
		if emoji != nil && emoji.ID == emojiID {
			return emoji.Name + ":" + emoji.ID
		}
	}
	return ""
}
