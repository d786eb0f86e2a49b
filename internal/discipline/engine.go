// Package discipline owns the discipline-event lifecycle: applying a ban,
// mute, role discipline or kick, querying the active state, and pardoning.
// The backend record is the gate for every platform-side action: the record
// is written first, and enforcement only runs once the write is acknowledged.
package discipline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"linkus-bot/internal/audit"
	"linkus-bot/internal/backend"

	"go.uber.org/zap"
)

// Well-known discipline type names. The backend's discipline-type table is
// authoritative; these are the names this bot applies.
const (
	TypeBan     = "ban"
	TypeMute    = "mute"
	TypeAddRole = "add_role"
	TypeKick    = "kick"
)

// Gateway is the subset of the backend client the engine depends on.
type Gateway interface {
	DisciplineTypeByName(ctx context.Context, name string) (*backend.DisciplineType, error)
	CreateEvent(ctx context.Context, event backend.DisciplineEvent) (*backend.DisciplineEvent, error)
	EventByID(ctx context.Context, id int64) (*backend.DisciplineEvent, error)
	EventsForUser(ctx context.Context, guildID, userID string) ([]backend.DisciplineEvent, error)
	LatestEventOfType(ctx context.Context, guildID, userID, typeName string) (*backend.DisciplineEvent, error)
	LatestEventByUsername(ctx context.Context, username string) (*backend.DisciplineEvent, error)
	SetEventPardoned(ctx context.Context, id int64, pardoned bool) error
}

// Enforcer performs the platform-side half of a discipline: the actual ban,
// kick, or role change against the chat platform.
type Enforcer interface {
	Ban(guildID, userID, reason string) error
	Unban(guildID, userID string) error
	Kick(guildID, userID, reason string) error
	AddRole(guildID, userID, roleID string) error
	RemoveRole(guildID, userID, roleID string) error
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Engine struct {
	gateway  Gateway
	enforcer Enforcer
	users    UserFinder
	audit    *audit.Logger
	logger   *zap.Logger
	clock    Clock

	typeMu  sync.Mutex
	typeIDs map[string]int

	// Per-(guild,user,type) apply locks narrow the check-then-act window on
	// "one active discipline per type". Concurrent processes can still race;
	// true uniqueness needs backend enforcement.
	slotMu sync.Mutex
	slots  map[string]*sync.Mutex
}

func NewEngine(gateway Gateway, enforcer Enforcer, users UserFinder, auditLogger *audit.Logger, logger *zap.Logger) *Engine {
	return &Engine{
		gateway:  gateway,
		enforcer: enforcer,
		users:    users,
		audit:    auditLogger,
		logger:   logger,
		clock:    realClock{},
		typeIDs:  make(map[string]int),
		slots:    make(map[string]*sync.Mutex),
	}
}

func (e *Engine) WithClock(clock Clock) {
	e.clock = clock
}

// State is where a (guild, user, type) slot currently sits in the lifecycle.
type State int

const (
	StateActive State = iota
	StateNever
	StatePardoned
	StateExpired
)

type Status struct {
	State State
	Event *backend.DisciplineEvent
}

func (s Status) Active() bool { return s.State == StateActive }

// Describe renders the negative query results as moderator-readable text,
// distinguishing never / pardoned / expired.
func (s Status) Describe(typeName string) string {
	switch s.State {
	case StateActive:
		return fmt.Sprintf("has an active %s", typeName)
	case StatePardoned:
		return fmt.Sprintf("most recent %s was pardoned", typeName)
	case StateExpired:
		return fmt.Sprintf("most recent %s has expired", typeName)
	default:
		return fmt.Sprintf("has never received a %s", typeName)
	}
}

// DurationError reports an unparseable duration argument. No backend record
// is created and no platform action taken when this is returned.
type DurationError struct {
	Input string
}

func (e *DurationError) Error() string {
	return fmt.Sprintf("%q is not a valid duration", e.Input)
}

// AlreadyActiveError reports that the user already carries an active
// discipline of the requested type.
type AlreadyActiveError struct {
	TypeName string
	Event    *backend.DisciplineEvent
}

func (e *AlreadyActiveError) Error() string {
	return fmt.Sprintf("an active %s already exists (event %d)", e.TypeName, e.Event.ID)
}

// NotActiveError reports a pardon attempt against a slot with no active
// discipline. It carries the queried status so callers can explain which
// negative case applies.
type NotActiveError struct {
	TypeName string
	Status   Status
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("no active %s: user %s", e.TypeName, e.Status.Describe(e.TypeName))
}

// EnforcementError reports the split-brain case: the backend record was
// created, but the platform action failed. The engine responds with a
// compensating pardon so the record does not stay active with no real-world
// effect; both outcomes are carried here so the caller can surface them.
type EnforcementError struct {
	EventID   int64
	ActionErr error
	PardonErr error
}

func (e *EnforcementError) Error() string {
	if e.PardonErr != nil {
		return fmt.Sprintf("platform action failed (%v) and compensating pardon of event %d also failed (%v); record remains active", e.ActionErr, e.EventID, e.PardonErr)
	}
	return fmt.Sprintf("platform action failed (%v); event %d was pardoned to compensate", e.ActionErr, e.EventID)
}

func (e *EnforcementError) Unwrap() error { return e.ActionErr }

// ReversalError reports a pardon whose backend write succeeded but whose
// platform-side reversal (unban, role removal) failed. The pardon stands.
type ReversalError struct {
	Event *backend.DisciplineEvent
	Err   error
}

func (e *ReversalError) Error() string {
	return fmt.Sprintf("event %d pardoned, but platform reversal failed: %v", e.Event.ID, e.Err)
}

func (e *ReversalError) Unwrap() error { return e.Err }

type ApplyRequest struct {
	GuildID       string
	Target        Target
	ModeratorID   string
	ModeratorName string
	TypeName      string
	Duration      string // empty means indefinite
	Reason        string
	Content       string // e.g. the role name for role disciplines
	RoleID        string // platform role to grant for mute/add_role
}

// Apply runs the full discipline flow: duration parsing, same-type activity
// check, backend record creation, then platform enforcement. The backend
// write gates enforcement; if the write fails nothing is done to the
// platform. If enforcement fails after a successful write, a compensating
// pardon is issued and an EnforcementError returned.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest) (*backend.DisciplineEvent, error) {
	endTime, terminated, err := e.computeEnd(req.Duration)
	if err != nil {
		return nil, err
	}

	if e.requiresMembership(req.TypeName) && !req.Target.InGuild() {
		return nil, fmt.Errorf("user %s is not a member of this guild; %s requires guild membership", req.Target.Username(), req.TypeName)
	}

	unlock := e.lockSlot(req.GuildID, req.Target.ID(), req.TypeName)
	defer unlock()

	status, err := e.Query(ctx, req.GuildID, req.Target.ID(), req.TypeName)
	if err != nil {
		return nil, err
	}
	if status.Active() {
		return nil, &AlreadyActiveError{TypeName: req.TypeName, Event: status.Event}
	}

	typeID, err := e.typeID(ctx, req.TypeName)
	if err != nil {
		return nil, err
	}

	guild, err := backend.ParseSnowflake(req.GuildID)
	if err != nil {
		return nil, err
	}
	user, err := backend.ParseSnowflake(req.Target.ID())
	if err != nil {
		return nil, err
	}
	moderator, err := backend.ParseSnowflake(req.ModeratorID)
	if err != nil {
		return nil, err
	}

	event := backend.DisciplineEvent{
		GuildID:           guild,
		UserID:            user,
		Username:          req.Target.Username(),
		ModeratorID:       moderator,
		ModeratorUsername: req.ModeratorName,
		TypeID:            typeID,
		Reason:            req.Reason,
		Content:           req.Content,
		StartTime:         e.clock.Now().UTC(),
		EndTime:           endTime,
		IsTerminated:      terminated,
	}

	created, err := e.gateway.CreateEvent(ctx, event)
	if err != nil {
		// No platform action was started; the discipline was not applied.
		return nil, fmt.Errorf("recording %s: %w", req.TypeName, err)
	}

	if err := e.enforce(req); err != nil {
		pardonErr := e.gateway.SetEventPardoned(ctx, created.ID, true)
		e.audit.Log(ctx, audit.LevelCrit, req.GuildID, req.Target.ID(), "enforcement_failed",
			fmt.Sprintf("type=%s event=%d action_err=%v pardon_err=%v", req.TypeName, created.ID, err, pardonErr))
		return nil, &EnforcementError{EventID: created.ID, ActionErr: err, PardonErr: pardonErr}
	}

	e.audit.Log(ctx, audit.LevelWarn, req.GuildID, req.Target.ID(), "discipline_applied",
		fmt.Sprintf("type=%s event=%d moderator=%s duration=%s", req.TypeName, created.ID, req.ModeratorID, req.Duration))
	return created, nil
}

// Query fetches the latest event of the named type and classifies the slot.
// Negative results are valid states, not errors; an error here means the
// backend could not be consulted.
func (e *Engine) Query(ctx context.Context, guildID, userID, typeName string) (Status, error) {
	event, err := e.gateway.LatestEventOfType(ctx, guildID, userID, typeName)
	if err != nil {
		return Status{}, err
	}
	switch {
	case event == nil:
		return Status{State: StateNever}, nil
	case event.IsPardoned:
		return Status{State: StatePardoned, Event: event}, nil
	case event.IsTerminated:
		return Status{State: StateExpired, Event: event}, nil
	default:
		return Status{State: StateActive, Event: event}, nil
	}
}

type PardonRequest struct {
	GuildID     string
	Target      Target
	ModeratorID string
	TypeName    string
	RoleID      string // platform role to revoke for mute/add_role
}

// Pardon marks the active discipline of the named type pardoned, then
// reverses the platform action. The backend write gates the reversal: if the
// write fails the discipline remains in effect and no reversal happens.
func (e *Engine) Pardon(ctx context.Context, req PardonRequest) (*backend.DisciplineEvent, error) {
	status, err := e.Query(ctx, req.GuildID, req.Target.ID(), req.TypeName)
	if err != nil {
		return nil, err
	}
	if !status.Active() {
		return nil, &NotActiveError{TypeName: req.TypeName, Status: status}
	}

	if err := e.gateway.SetEventPardoned(ctx, status.Event.ID, true); err != nil {
		return nil, fmt.Errorf("pardoning event %d (discipline remains in effect): %w", status.Event.ID, err)
	}

	if err := e.reverse(req); err != nil {
		e.audit.Log(ctx, audit.LevelCrit, req.GuildID, req.Target.ID(), "reversal_failed",
			fmt.Sprintf("type=%s event=%d err=%v", req.TypeName, status.Event.ID, err))
		return nil, &ReversalError{Event: status.Event, Err: err}
	}

	e.audit.Log(ctx, audit.LevelInfo, req.GuildID, req.Target.ID(), "discipline_pardoned",
		fmt.Sprintf("type=%s event=%d moderator=%s", req.TypeName, status.Event.ID, req.ModeratorID))
	return status.Event, nil
}

// History returns every recorded event for the user, newest first.
func (e *Engine) History(ctx context.Context, guildID, userID string) ([]backend.DisciplineEvent, error) {
	return e.gateway.EventsForUser(ctx, guildID, userID)
}

func (e *Engine) EventByID(ctx context.Context, id int64) (*backend.DisciplineEvent, error) {
	return e.gateway.EventByID(ctx, id)
}

// RecordExternalBan persists a ban that was applied outside of a bot command,
// recovered from the guild's audit log or ban list. No platform action runs;
// the ban already exists.
func (e *Engine) RecordExternalBan(ctx context.Context, guildID, userID, username, moderatorID, moderatorName, reason string) error {
	typeID, err := e.typeID(ctx, TypeBan)
	if err != nil {
		return err
	}
	guild, err := backend.ParseSnowflake(guildID)
	if err != nil {
		return err
	}
	user, err := backend.ParseSnowflake(userID)
	if err != nil {
		return err
	}
	moderator := int64(0)
	if moderatorID != "" {
		moderator, err = backend.ParseSnowflake(moderatorID)
		if err != nil {
			return err
		}
	}
	if reason == "" {
		reason = "externally applied ban"
	}

	_, err = e.gateway.CreateEvent(ctx, backend.DisciplineEvent{
		GuildID:           guild,
		UserID:            user,
		Username:          username,
		ModeratorID:       moderator,
		ModeratorUsername: moderatorName,
		TypeID:            typeID,
		Reason:            reason,
		StartTime:         e.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	e.audit.Log(ctx, audit.LevelWarn, guildID, userID, "external_ban_recorded",
		fmt.Sprintf("moderator=%s reason=%s", moderatorID, reason))
	return nil
}

// PardonExternalUnban marks the user's latest active ban pardoned after the
// platform reported an unban the bot did not issue. Best effort; the caller
// only logs failures.
func (e *Engine) PardonExternalUnban(ctx context.Context, guildID, userID string) error {
	status, err := e.Query(ctx, guildID, userID, TypeBan)
	if err != nil {
		return err
	}
	if !status.Active() {
		return nil
	}
	if err := e.gateway.SetEventPardoned(ctx, status.Event.ID, true); err != nil {
		return err
	}
	e.audit.Log(ctx, audit.LevelInfo, guildID, userID, "external_unban_recorded",
		fmt.Sprintf("event=%d", status.Event.ID))
	return nil
}

// computeEnd turns the duration argument into an end time. Empty means
// indefinite. Zero means the event is born terminated, used for actions with
// no ongoing state such as kicks.
func (e *Engine) computeEnd(duration string) (*time.Time, bool, error) {
	if duration == "" {
		return nil, false, nil
	}
	parsed, err := time.ParseDuration(duration)
	if err != nil || parsed < 0 {
		return nil, false, &DurationError{Input: duration}
	}
	now := e.clock.Now().UTC()
	if parsed == 0 {
		return &now, true, nil
	}
	end := now.Add(parsed)
	return &end, false, nil
}

func (e *Engine) requiresMembership(typeName string) bool {
	switch typeName {
	case TypeMute, TypeAddRole, TypeKick:
		return true
	default:
		return false
	}
}

func (e *Engine) enforce(req ApplyRequest) error {
	switch req.TypeName {
	case TypeBan:
		return e.enforcer.Ban(req.GuildID, req.Target.ID(), req.Reason)
	case TypeKick:
		return e.enforcer.Kick(req.GuildID, req.Target.ID(), req.Reason)
	default:
		return e.enforcer.AddRole(req.GuildID, req.Target.ID(), req.RoleID)
	}
}

func (e *Engine) reverse(req PardonRequest) error {
	switch req.TypeName {
	case TypeBan:
		return e.enforcer.Unban(req.GuildID, req.Target.ID())
	case TypeKick:
		// Nothing to reverse; a kick has no ongoing platform state.
		return nil
	default:
		if !req.Target.InGuild() {
			return fmt.Errorf("user %s is not a member of this guild; cannot remove role", req.Target.Username())
		}
		return e.enforcer.RemoveRole(req.GuildID, req.Target.ID(), req.RoleID)
	}
}

func (e *Engine) typeID(ctx context.Context, name string) (int, error) {
	e.typeMu.Lock()
	if id, ok := e.typeIDs[name]; ok {
		e.typeMu.Unlock()
		return id, nil
	}
	e.typeMu.Unlock()

	found, err := e.gateway.DisciplineTypeByName(ctx, name)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return 0, fmt.Errorf("discipline type %q is not configured on the backend", name)
		}
		return 0, err
	}

	e.typeMu.Lock()
	e.typeIDs[name] = found.ID
	e.typeMu.Unlock()
	return found.ID, nil
}

func (e *Engine) lockSlot(guildID, userID, typeName string) func() {
	key := guildID + "|" + userID + "|" + typeName
	e.slotMu.Lock()
	mu := e.slots[key]
	if mu == nil {
		mu = &sync.Mutex{}
		e.slots[key] = mu
	}
	e.slotMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
