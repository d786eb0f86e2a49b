package reactionroles

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"linkus-bot/internal/backend"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

type fakeGateway struct {
	embeds    map[string]*backend.ReactionRoleEmbed // message id -> embed
	listCalls int
	failAll   bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{embeds: make(map[string]*backend.ReactionRoleEmbed)}
}

var errGatewayDown = errors.New("backend down")

func (f *fakeGateway) seed(messageID string, mapping map[string]int64) {
	parsed, _ := strconv.ParseInt(messageID, 10, 64)
	f.embeds[messageID] = &backend.ReactionRoleEmbed{MessageID: parsed, GuildID: 100, Mapping: mapping}
}

func (f *fakeGateway) ReactionRoleEmbedCreate(ctx context.Context, messageID, guildID, creatorID string, mapping map[string]string) (*backend.ReactionRoleEmbed, error) {
	if f.failAll {
		return nil, errGatewayDown
	}
	wire := make(map[string]int64, len(mapping))
	for emojiID, roleID := range mapping {
		role, _ := strconv.ParseInt(roleID, 10, 64)
		wire[emojiID] = role
	}
	f.seed(messageID, wire)
	return f.embeds[messageID], nil
}

func (f *fakeGateway) ReactionRoleEmbedList(ctx context.Context, guildID string) ([]backend.ReactionRoleEmbed, error) {
	if f.failAll {
		return nil, errGatewayDown
	}
	f.listCalls++
	var out []backend.ReactionRoleEmbed
	for _, embed := range f.embeds {
		out = append(out, *embed)
	}
	return out, nil
}

func (f *fakeGateway) ReactionRoleEmbedDelete(ctx context.Context, messageID string) error {
	if f.failAll {
		return errGatewayDown
	}
	delete(f.embeds, messageID)
	return nil
}

func (f *fakeGateway) ReactionRoleMappingsAdd(ctx context.Context, messageID string, mapping map[string]string) error {
	if f.failAll {
		return errGatewayDown
	}
	embed, ok := f.embeds[messageID]
	if !ok {
		return backend.ErrNotFound
	}
	for emojiID, roleID := range mapping {
		role, _ := strconv.ParseInt(roleID, 10, 64)
		embed.Mapping[emojiID] = role
	}
	return nil
}

func (f *fakeGateway) ReactionRoleMappingsRemove(ctx context.Context, messageID string, emojiIDs []string) error {
	if f.failAll {
		return errGatewayDown
	}
	embed, ok := f.embeds[messageID]
	if !ok {
		return backend.ErrNotFound
	}
	for _, emojiID := range emojiIDs {
		delete(embed.Mapping, emojiID)
	}
	return nil
}

type fakeRoles struct {
	grants  []string
	revokes []string
}

func (f *fakeRoles) GrantRole(guildID, userID, roleID string) error {
	f.grants = append(f.grants, userID+":"+roleID)
	return nil
}

func (f *fakeRoles) RevokeRole(guildID, userID, roleID string) error {
	f.revokes = append(f.revokes, userID+":"+roleID)
	return nil
}

func reactionGuild() *discordgo.Guild {
	return &discordgo.Guild{
		ID: "100",
		Roles: []*discordgo.Role{
			{ID: "500", Name: "Blue"},
			{ID: "501", Name: "Red"},
		},
	}
}

func TestLookupPopulatesLazily(t *testing.T) {
	gateway := newFakeGateway()
	gateway.seed("10", map[string]int64{"7": 500})
	mapper := NewMapper(gateway, &fakeRoles{}, zap.NewNop())
	ctx := context.Background()

	roleID, err := mapper.Lookup(ctx, "100", "10", "7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if roleID != "500" {
		t.Fatalf("expected role 500, got %s", roleID)
	}
	if gateway.listCalls != 1 {
		t.Fatalf("expected one population fetch, got %d", gateway.listCalls)
	}

	// Cached now; further lookups stay in memory.
	if _, err := mapper.Lookup(ctx, "100", "10", "7"); err != nil {
		t.Fatalf("cached lookup: %v", err)
	}
	if gateway.listCalls != 1 {
		t.Fatalf("cached lookup must not refetch, got %d calls", gateway.listCalls)
	}

	if _, err := mapper.Lookup(ctx, "100", "10", "8"); !errors.Is(err, ErrEmojiNotMapped) {
		t.Fatalf("expected ErrEmojiNotMapped, got %v", err)
	}
	if _, err := mapper.Lookup(ctx, "100", "11", "7"); !errors.Is(err, ErrMessageNotTracked) {
		t.Fatalf("expected ErrMessageNotTracked, got %v", err)
	}
}

func TestPopulateGuildReplacesStaleEntries(t *testing.T) {
	gateway := newFakeGateway()
	gateway.seed("10", map[string]int64{"7": 500})
	mapper := NewMapper(gateway, &fakeRoles{}, zap.NewNop())
	ctx := context.Background()

	if err := mapper.PopulateGuild(ctx, "100"); err != nil {
		t.Fatalf("populate: %v", err)
	}

	// Backend state moves on; repopulating swaps the whole guild entry.
	delete(gateway.embeds, "10")
	gateway.seed("20", map[string]int64{"9": 501})
	if err := mapper.PopulateGuild(ctx, "100"); err != nil {
		t.Fatalf("repopulate: %v", err)
	}

	if _, err := mapper.Lookup(ctx, "100", "10", "7"); !errors.Is(err, ErrMessageNotTracked) {
		t.Fatalf("stale message should be gone, got %v", err)
	}
	roleID, err := mapper.Lookup(ctx, "100", "20", "9")
	if err != nil || roleID != "501" {
		t.Fatalf("expected fresh mapping, got %s %v", roleID, err)
	}
}

func TestMutationsGateOnBackend(t *testing.T) {
	gateway := newFakeGateway()
	mapper := NewMapper(gateway, &fakeRoles{}, zap.NewNop())
	ctx := context.Background()

	if err := mapper.CreateEmbed(ctx, "100", "10", "300", map[string]string{"7": "500"}); err != nil {
		t.Fatalf("create embed: %v", err)
	}
	roleID, err := mapper.Lookup(ctx, "100", "10", "7")
	if err != nil || roleID != "500" {
		t.Fatalf("expected created mapping in cache, got %s %v", roleID, err)
	}

	if err := mapper.AddMapping(ctx, "100", "10", "8", "501"); err != nil {
		t.Fatalf("add mapping: %v", err)
	}
	if roleID, _ := mapper.Lookup(ctx, "100", "10", "8"); roleID != "501" {
		t.Fatalf("expected added mapping, got %s", roleID)
	}

	// A failing backend leaves the cache exactly as it was.
	gateway.failAll = true
	if err := mapper.AddMapping(ctx, "100", "10", "9", "502"); err == nil {
		t.Fatal("expected add failure")
	}
	if err := mapper.RemoveMapping(ctx, "100", "10", "7"); err == nil {
		t.Fatal("expected remove failure")
	}
	if err := mapper.DeleteEmbed(ctx, "100", "10"); err == nil {
		t.Fatal("expected delete failure")
	}
	if _, err := mapper.Lookup(ctx, "100", "10", "9"); !errors.Is(err, ErrEmojiNotMapped) {
		t.Fatalf("failed add must not touch the cache, got %v", err)
	}
	if roleID, _ := mapper.Lookup(ctx, "100", "10", "7"); roleID != "500" {
		t.Fatalf("failed remove must not touch the cache, got %s", roleID)
	}

	gateway.failAll = false
	if err := mapper.RemoveMapping(ctx, "100", "10", "7"); err != nil {
		t.Fatalf("remove mapping: %v", err)
	}
	if _, err := mapper.Lookup(ctx, "100", "10", "7"); !errors.Is(err, ErrEmojiNotMapped) {
		t.Fatalf("expected mapping removed, got %v", err)
	}

	if err := mapper.DeleteEmbed(ctx, "100", "10"); err != nil {
		t.Fatalf("delete embed: %v", err)
	}
	if _, err := mapper.Lookup(ctx, "100", "10", "8"); !errors.Is(err, ErrMessageNotTracked) {
		t.Fatalf("expected message untracked, got %v", err)
	}
}

func TestReactGrantAndRevokeIdempotent(t *testing.T) {
	gateway := newFakeGateway()
	gateway.seed("10", map[string]int64{"7": 500})
	roles := &fakeRoles{}
	mapper := NewMapper(gateway, roles, zap.NewNop())
	ctx := context.Background()
	guild := reactionGuild()

	member := &discordgo.Member{User: &discordgo.User{ID: "1", Username: "alice"}}

	if err := mapper.React(ctx, guild, member, "10", "7", true); err != nil {
		t.Fatalf("react add: %v", err)
	}
	if len(roles.grants) != 1 || roles.grants[0] != "1:500" {
		t.Fatalf("expected grant of 500 to alice, got %v", roles.grants)
	}

	// Member already holds the role: no second grant.
	member.Roles = []string{"500"}
	if err := mapper.React(ctx, guild, member, "10", "7", true); err != nil {
		t.Fatalf("repeat react add: %v", err)
	}
	if len(roles.grants) != 1 {
		t.Fatalf("grant must be idempotent, got %v", roles.grants)
	}

	if err := mapper.React(ctx, guild, member, "10", "7", false); err != nil {
		t.Fatalf("react remove: %v", err)
	}
	if len(roles.revokes) != 1 {
		t.Fatalf("expected one revoke, got %v", roles.revokes)
	}

	// Role already absent: no second revoke.
	member.Roles = nil
	if err := mapper.React(ctx, guild, member, "10", "7", false); err != nil {
		t.Fatalf("repeat react remove: %v", err)
	}
	if len(roles.revokes) != 1 {
		t.Fatalf("revoke must be idempotent, got %v", roles.revokes)
	}
}

func TestReactVanishedRole(t *testing.T) {
	gateway := newFakeGateway()
	gateway.seed("10", map[string]int64{"7": 999})
	roles := &fakeRoles{}
	mapper := NewMapper(gateway, roles, zap.NewNop())

	member := &discordgo.Member{User: &discordgo.User{ID: "1"}}
	err := mapper.React(context.Background(), reactionGuild(), member, "10", "7", true)
	if !errors.Is(err, ErrRoleGone) {
		t.Fatalf("expected ErrRoleGone, got %v", err)
	}
	if len(roles.grants) != 0 {
		t.Fatalf("vanished role must not be granted, got %v", roles.grants)
	}
}
