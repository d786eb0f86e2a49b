// Package backend is the typed client for the community backend API, the
// database of record for discipline events and reaction-role embeds. Every
// call is a single bounded-timeout HTTP round trip; retries are left to
// callers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Client struct {
	http    *http.Client
	baseURL string
	token   string
	logger  *zap.Logger
}

// New creates a backend client. baseURL must end in a slash. An empty token
// disables the Authorization header.
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   token,
		logger:  logger,
	}
}

// DisciplineTypeList returns every known discipline type.
func (c *Client) DisciplineTypeList(ctx context.Context) ([]DisciplineType, error) {
	return listAll[DisciplineType](ctx, c, "discipline-type/", nil)
}

// DisciplineTypeByName finds the discipline type matching name, case
// insensitively. A 404 is returned as ErrNotFound.
func (c *Client) DisciplineTypeByName(ctx context.Context, name string) (*DisciplineType, error) {
	params := url.Values{"name": {name}}
	var out DisciplineType
	if err := c.do(ctx, http.MethodGet, "discipline-type/get_by_name/", params, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateEvent persists a new discipline event and returns the stored record,
// including the backend-assigned id.
func (c *Client) CreateEvent(ctx context.Context, event DisciplineEvent) (*DisciplineEvent, error) {
	var out DisciplineEvent
	if err := c.do(ctx, http.MethodPost, "discipline-event/", nil, event, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EventByID(ctx context.Context, id int64) (*DisciplineEvent, error) {
	var out DisciplineEvent
	path := fmt.Sprintf("discipline-event/%d/", id)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EventsForUser returns every discipline event recorded for the user in the
// guild, following pagination until exhausted. Order is backend order, newest
// first.
func (c *Client) EventsForUser(ctx context.Context, guildID, userID string) ([]DisciplineEvent, error) {
	guild, err := ParseSnowflake(guildID)
	if err != nil {
		return nil, err
	}
	user, err := ParseSnowflake(userID)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"guild_snowflake": {FormatSnowflake(guild)},
		"user_snowflake":  {FormatSnowflake(user)},
	}
	return listAll[DisciplineEvent](ctx, c, "discipline-event/get_discipline_events_for/", params)
}

// LatestEventOfType returns the most recent event of the named type for the
// user in the guild. "Never disciplined" is a valid negative result and comes
// back as (nil, nil), not an error.
func (c *Client) LatestEventOfType(ctx context.Context, guildID, userID, typeName string) (*DisciplineEvent, error) {
	guild, err := ParseSnowflake(guildID)
	if err != nil {
		return nil, err
	}
	user, err := ParseSnowflake(userID)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"guild_snowflake": {FormatSnowflake(guild)},
		"user_snowflake":  {FormatSnowflake(user)},
		"discipline_name": {typeName},
	}
	var out DisciplineEvent
	err = c.do(ctx, http.MethodGet, "discipline-event/get_latest_discipline/", params, nil, http.StatusOK, &out)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// LatestEventByUsername finds the most recent event recorded under the given
// username snapshot (exact, case-insensitive match). 404 means the name has
// never been disciplined and is returned as ErrNotFound.
func (c *Client) LatestEventByUsername(ctx context.Context, username string) (*DisciplineEvent, error) {
	params := url.Values{"username": {username}}
	var out DisciplineEvent
	if err := c.do(ctx, http.MethodGet, "discipline-event/get_latest_discipline_by_username/", params, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetEventPardoned flips the pardon flag on an event by id.
func (c *Client) SetEventPardoned(ctx context.Context, id int64, pardoned bool) error {
	path := fmt.Sprintf("discipline-event/%d/", id)
	body := map[string]bool{"is_pardoned": pardoned}
	return c.do(ctx, http.MethodPatch, path, nil, body, http.StatusOK, nil)
}

// ReactionRoleEmbedCreate registers a tracked reaction-role message. mapping
// maps emoji snowflakes to role snowflakes, both in decimal string form.
func (c *Client) ReactionRoleEmbedCreate(ctx context.Context, messageID, guildID, creatorID string, mapping map[string]string) (*ReactionRoleEmbed, error) {
	message, err := ParseSnowflake(messageID)
	if err != nil {
		return nil, err
	}
	guild, err := ParseSnowflake(guildID)
	if err != nil {
		return nil, err
	}
	creator, err := ParseSnowflake(creatorID)
	if err != nil {
		return nil, err
	}
	wireMapping, err := mappingToWire(mapping)
	if err != nil {
		return nil, err
	}
	body := ReactionRoleEmbed{
		MessageID: message,
		GuildID:   guild,
		CreatorID: creator,
		Mapping:   wireMapping,
	}
	var out ReactionRoleEmbed
	if err := c.do(ctx, http.MethodPost, "tracked-reaction-embed/", nil, body, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReactionRoleEmbedGet(ctx context.Context, messageID string) (*ReactionRoleEmbed, error) {
	message, err := ParseSnowflake(messageID)
	if err != nil {
		return nil, err
	}
	var out ReactionRoleEmbed
	path := fmt.Sprintf("tracked-reaction-embed/%d/", message)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReactionRoleEmbedList returns all tracked embeds for a guild, following
// pagination until exhausted.
func (c *Client) ReactionRoleEmbedList(ctx context.Context, guildID string) ([]ReactionRoleEmbed, error) {
	guild, err := ParseSnowflake(guildID)
	if err != nil {
		return nil, err
	}
	params := url.Values{"guild_snowflake": {FormatSnowflake(guild)}}
	return listAll[ReactionRoleEmbed](ctx, c, "tracked-reaction-embed/", params)
}

func (c *Client) ReactionRoleEmbedDelete(ctx context.Context, messageID string) error {
	message, err := ParseSnowflake(messageID)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("tracked-reaction-embed/%d/", message)
	return c.do(ctx, http.MethodDelete, path, nil, nil, http.StatusNoContent, nil)
}

// ReactionRoleMappingsAdd merges new emoji-to-role pairs into a tracked embed.
func (c *Client) ReactionRoleMappingsAdd(ctx context.Context, messageID string, mapping map[string]string) error {
	message, err := ParseSnowflake(messageID)
	if err != nil {
		return err
	}
	wireMapping, err := mappingToWire(mapping)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("tracked-reaction-embed/%d/add_mappings/", message)
	body := map[string]map[string]int64{"emoji_role_mapping": wireMapping}
	return c.do(ctx, http.MethodPost, path, nil, body, http.StatusOK, nil)
}

// ReactionRoleMappingsRemove deletes mappings for the listed emoji snowflakes.
func (c *Client) ReactionRoleMappingsRemove(ctx context.Context, messageID string, emojiIDs []string) error {
	message, err := ParseSnowflake(messageID)
	if err != nil {
		return err
	}
	wireIDs := make([]int64, 0, len(emojiIDs))
	for _, id := range emojiIDs {
		parsed, err := ParseSnowflake(id)
		if err != nil {
			return err
		}
		wireIDs = append(wireIDs, parsed)
	}
	path := fmt.Sprintf("tracked-reaction-embed/%d/remove_mappings/", message)
	body := map[string][]int64{"emoji_snowflakes": wireIDs}
	return c.do(ctx, http.MethodPost, path, nil, body, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, want int, out any) error {
	target := c.baseURL + path
	if params != nil {
		target += "?" + params.Encode()
	}
	return c.doURL(ctx, method, target, body, want, out)
}

func (c *Client) doURL(ctx context.Context, method, target string, body any, want int, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", zap.String("method", method), zap.String("url", target), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != want {
		c.logger.Warn("backend returned unexpected status", zap.String("method", method), zap.String("url", target), zap.Int("status", resp.StatusCode))
		return &StatusError{Code: resp.StatusCode, URL: target}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", target, err)
	}
	return nil
}

// listAll follows the backend's next-page links until exhausted, preserving
// backend-provided order across pages.
func listAll[T any](ctx context.Context, c *Client, path string, params url.Values) ([]T, error) {
	next := c.baseURL + path
	if params != nil {
		next += "?" + params.Encode()
	}

	var results []T
	for next != "" {
		var pg page[T]
		if err := c.doURL(ctx, http.MethodGet, next, nil, http.StatusOK, &pg); err != nil {
			return nil, err
		}
		results = append(results, pg.Results...)
		next = pg.Next
	}
	return results, nil
}

func mappingToWire(mapping map[string]string) (map[string]int64, error) {
	wire := make(map[string]int64, len(mapping))
	for emojiID, roleID := range mapping {
		emoji, err := ParseSnowflake(emojiID)
		if err != nil {
			return nil, err
		}
		role, err := ParseSnowflake(roleID)
		if err != nil {
			return nil, err
		}
		wire[FormatSnowflake(emoji)] = role
	}
	return wire, nil
}
