package bot

import (
	"testing"

	"linkus-bot/internal/config"

	"github.com/bwmarrin/discordgo"
)

func TestSplitCommand(t *testing.T) {
	b := &Bot{cfg: config.Config{CommandPrefix: "!lonkus"}}

	args, ok := b.splitCommand("!lonkus ban alice spamming links")
	if !ok {
		t.Fatal("expected command match")
	}
	if len(args) != 4 || args[0] != "ban" || args[1] != "alice" {
		t.Fatalf("unexpected args: %v", args)
	}

	if _, ok := b.splitCommand("just chatting about !lonkus"); ok {
		t.Fatal("mid-message prefix must not trigger")
	}
	if _, ok := b.splitCommand("!lonkusban alice"); ok {
		t.Fatal("prefix must be followed by a space")
	}
	if args, ok := b.splitCommand("!lonkus"); !ok || len(args) != 0 {
		t.Fatalf("bare prefix should dispatch help, got %v %v", args, ok)
	}
}

func TestArgCleaning(t *testing.T) {
	if got := cleanUserArg("<@123>"); got != "123" {
		t.Fatalf("user mention: %q", got)
	}
	if got := cleanUserArg("<@!123>"); got != "123" {
		t.Fatalf("nick mention: %q", got)
	}
	if got := cleanUserArg("alice"); got != "alice" {
		t.Fatalf("plain name: %q", got)
	}
	if got := cleanRoleArg("<@&456>"); got != "456" {
		t.Fatalf("role mention: %q", got)
	}
	if got := parseChannelArg("<#789>"); got != "789" {
		t.Fatalf("channel mention: %q", got)
	}
}

func TestParseEmojiArg(t *testing.T) {
	id, err := parseEmojiArg("<:wave:112233>")
	if err != nil || id != "112233" {
		t.Fatalf("custom emoji: %q %v", id, err)
	}
	id, err = parseEmojiArg("<a:party:445566>")
	if err != nil || id != "445566" {
		t.Fatalf("animated emoji: %q %v", id, err)
	}
	id, err = parseEmojiArg("112233")
	if err != nil || id != "112233" {
		t.Fatalf("bare snowflake: %q %v", id, err)
	}
	if _, err := parseEmojiArg("👍"); err == nil {
		t.Fatal("unicode emoji must be rejected")
	}
}

func TestMemberPermissions(t *testing.T) {
	guild := &discordgo.Guild{
		ID: "100",
		Roles: []*discordgo.Role{
			{ID: "100", Permissions: discordgo.PermissionViewChannel},
			{ID: "501", Permissions: discordgo.PermissionBanMembers},
			{ID: "502", Permissions: discordgo.PermissionKickMembers},
		},
	}

	member := &discordgo.Member{Roles: []string{"501"}}
	perms := memberPermissions(guild, member)
	if perms&discordgo.PermissionBanMembers == 0 {
		t.Fatal("role permission missing")
	}
	if perms&discordgo.PermissionViewChannel == 0 {
		t.Fatal("everyone role permission missing")
	}
	if perms&discordgo.PermissionKickMembers != 0 {
		t.Fatal("unassigned role permission leaked")
	}
}
