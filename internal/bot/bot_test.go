package bot

import (
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestExternalBanContext(t *testing.T) {
	// Audit log named a moderator: its entry wins regardless of the ban list.
	id, name, reason, ok := externalBanContext("42", "mod", "spam", nil, errors.New("fetch failed"))
	if !ok || id != "42" || name != "mod" || reason != "spam" {
		t.Fatalf("audit entry not used: %q %q %q %v", id, name, reason, ok)
	}

	// No audit entry, ban list available: recover the reason, moderator unknown.
	id, name, reason, ok = externalBanContext("", "", "", &discordgo.GuildBan{Reason: "raiding"}, nil)
	if !ok || id != "" || name != "" || reason != "raiding" {
		t.Fatalf("ban list reason not recovered: %q %q %q %v", id, name, reason, ok)
	}

	// Both paths failed: the ban is abandoned and nothing is recorded.
	if _, _, _, ok := externalBanContext("", "", "", nil, errors.New("fetch failed")); ok {
		t.Fatal("abandonment expected when audit log and ban list both fail")
	}
	if _, _, _, ok := externalBanContext("", "", "", nil, nil); ok {
		t.Fatal("abandonment expected when the ban list entry is missing")
	}
}
