package discipline

import (
	"context"
	"testing"
	"time"

	"linkus-bot/internal/audit"
	"linkus-bot/internal/backend"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type namedUsers struct {
	users map[string]*discordgo.User
}

func (n namedUsers) User(userID string) (*discordgo.User, error) {
	if user, ok := n.users[userID]; ok {
		return user, nil
	}
	return nil, backend.ErrNotFound
}

func testGuild() *discordgo.Guild {
	return &discordgo.Guild{
		ID: "100",
		Members: []*discordgo.Member{
			{User: &discordgo.User{ID: "1", Username: "alice"}},
			{User: &discordgo.User{ID: "2", Username: "bob"}, Nick: "builder"},
			// A member whose username is someone else's snowflake.
			{User: &discordgo.User{ID: "3", Username: "2"}},
		},
		Roles: []*discordgo.Role{
			{ID: "500", Name: "Muted"},
			{ID: "501", Name: "Helper"},
			{ID: "502", Name: "helper"},
		},
	}
}

func resolveEngine(gateway *fakeGateway, users UserFinder) *Engine {
	engine := NewEngine(gateway, &fakeEnforcer{}, users, audit.NewLogger(nil, zap.NewNop()), zap.NewNop())
	engine.WithClock(fakeClock{now: time.Unix(0, 0)})
	return engine
}

func TestResolveUserPrecedence(t *testing.T) {
	engine := resolveEngine(newFakeGateway(), namedUsers{users: map[string]*discordgo.User{
		"9": {ID: "9", Username: "departed"},
	}})
	guild := testGuild()
	ctx := context.Background()

	target, err := engine.ResolveUser(ctx, guild, "ALICE", false)
	if err != nil {
		t.Fatalf("resolve by name: %v", err)
	}
	if target.ID() != "1" || !target.InGuild() {
		t.Fatalf("expected member alice, got %+v", target)
	}

	// A username that looks like a snowflake wins over id lookup.
	target, err = engine.ResolveUser(ctx, guild, "2", false)
	if err != nil {
		t.Fatalf("resolve ambiguous: %v", err)
	}
	if target.ID() != "3" {
		t.Fatalf("expected username match to take precedence over id, got %s", target.ID())
	}

	target, err = engine.ResolveUser(ctx, guild, "builder", false)
	if err != nil {
		t.Fatalf("resolve by nick: %v", err)
	}
	if target.ID() != "2" {
		t.Fatalf("expected nickname match for bob, got %s", target.ID())
	}

	target, err = engine.ResolveUser(ctx, guild, "1", false)
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if target.ID() != "1" {
		t.Fatalf("expected member by id, got %s", target.ID())
	}

	// Not a member, but a known global user: bare-user target.
	target, err = engine.ResolveUser(ctx, guild, "9", false)
	if err != nil {
		t.Fatalf("resolve global user: %v", err)
	}
	if target.InGuild() || target.Username() != "departed" {
		t.Fatalf("expected bare user target, got %+v", target)
	}

	if _, err := engine.ResolveUser(ctx, guild, "nobody", false); err == nil {
		t.Fatal("expected failure for unknown identifier")
	}
}

func TestResolveUserFromHistory(t *testing.T) {
	gateway := newFakeGateway()
	engine := resolveEngine(gateway, namedUsers{users: map[string]*discordgo.User{
		"77": {ID: "77", Username: "renamed"},
	}})
	guild := testGuild()
	ctx := context.Background()

	// Seed a ban recorded under the user's old name.
	if _, err := gateway.CreateEvent(ctx, backend.DisciplineEvent{
		GuildID: 100, UserID: 77, Username: "oldname", TypeID: 1,
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	target, err := engine.ResolveUser(ctx, guild, "oldname", true)
	if err != nil {
		t.Fatalf("resolve from history: %v", err)
	}
	if target.ID() != "77" || target.Username() != "renamed" {
		t.Fatalf("expected re-resolved user 77, got %+v", target)
	}

	if _, err := engine.ResolveUser(ctx, guild, "neverseen", true); err == nil {
		t.Fatal("expected failure for a name with no history")
	}

	// History search stays off unless requested.
	if _, err := engine.ResolveUser(ctx, guild, "oldname", false); err == nil {
		t.Fatal("expected failure without history search")
	}
}

func TestResolveRole(t *testing.T) {
	guild := testGuild()

	role, warning, err := ResolveRole(guild, "muted")
	if err != nil {
		t.Fatalf("resolve role: %v", err)
	}
	if role.ID != "500" || warning != "" {
		t.Fatalf("expected Muted with no warning, got %v %q", role, warning)
	}

	role, warning, err = ResolveRole(guild, "Helper")
	if err != nil {
		t.Fatalf("resolve ambiguous role: %v", err)
	}
	if role.ID != "501" {
		t.Fatalf("expected first match 501, got %s", role.ID)
	}
	if warning == "" {
		t.Fatal("expected a warning for the duplicate role name")
	}

	role, _, err = ResolveRole(guild, "502")
	if err != nil {
		t.Fatalf("resolve role by id: %v", err)
	}
	if role.ID != "502" {
		t.Fatalf("expected role 502, got %s", role.ID)
	}

	if _, _, err := ResolveRole(guild, "Ghost"); err == nil {
		t.Fatal("expected failure for unknown role")
	}
}
