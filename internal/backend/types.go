package backend

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound marks a 404 from the backend on endpoints where the caller
// asked for a specific record. A missing "latest discipline" is reported as
// (nil, nil) instead; see Client.LatestEventOfType.
var ErrNotFound = errors.New("not found on backend")

// ErrUnreachable covers connection-level failures: the backend could not be
// contacted at all, or the request timed out.
var ErrUnreachable = errors.New("unable to contact backend")

// StatusError is returned for any unexpected HTTP status. The numeric code is
// embedded so it can be surfaced verbatim to a moderator.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("got error code from server: %d (%s)", e.Code, e.URL)
}

// DisciplineType is an immutable reference entity looked up by name.
type DisciplineType struct {
	ID   int    `json:"id"`
	Name string `json:"discipline_name"`
}

// DisciplineEvent is the backend's record of one moderation action. Snowflakes
// travel as integers on the wire; use FormatSnowflake / ParseSnowflake at the
// discordgo boundary.
type DisciplineEvent struct {
	ID                int64      `json:"id"`
	GuildID           int64      `json:"guild_snowflake"`
	UserID            int64      `json:"discord_user_snowflake"`
	Username          string     `json:"username_when_disciplined"`
	ModeratorID       int64      `json:"moderator_user_snowflake"`
	ModeratorUsername string     `json:"moderator_username"`
	TypeID            int        `json:"discipline_type"`
	Reason            string     `json:"reason_for_discipline"`
	Content           string     `json:"discipline_content,omitempty"`
	StartTime         time.Time  `json:"discipline_start_date_time"`
	EndTime           *time.Time `json:"discipline_end_date_time"`
	IsTerminated      bool       `json:"is_terminated"`
	IsPardoned        bool       `json:"is_pardoned"`
}

// Active reports whether the event still has effect according to the record
// itself. Expiry of EndTime is the backend's call, not ours.
func (e *DisciplineEvent) Active() bool {
	return !e.IsTerminated && !e.IsPardoned
}

// ReactionRoleEmbed is a tracked message whose reactions map emoji to roles.
// Mapping keys are emoji snowflakes in decimal form (JSON object keys are
// always strings), values are role snowflakes.
type ReactionRoleEmbed struct {
	MessageID int64            `json:"message_snowflake"`
	GuildID   int64            `json:"guild_snowflake"`
	CreatorID int64            `json:"creating_member_snowflake"`
	Mapping   map[string]int64 `json:"emoji_role_mapping"`
}

// page is the backend's paginated list envelope.
type page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next"`
	Previous string `json:"previous"`
	Results  []T    `json:"results"`
}

func ParseSnowflake(id string) (int64, error) {
	value, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q", id)
	}
	return value, nil
}

func FormatSnowflake(id int64) string {
	return strconv.FormatInt(id, 10)
}
