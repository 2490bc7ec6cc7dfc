// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types.
const (
	// Award events
	EventAchievementGranted EventType = "award.achievement_granted"
	EventAchievementRevoked EventType = "award.achievement_revoked"
	EventLevelUp            EventType = "award.level_up"
	EventXPRepaired         EventType = "award.xp_repaired"

	// Activity signals
	EventActivityCompleted EventType = "activity.completed"
	EventActivityReverted  EventType = "activity.reverted"

	// System events
	EventSweepCompleted EventType = "system.sweep_completed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Award Events
// ═══════════════════════════════════════════════════════════════════════════

// AchievementGrantedEvent is emitted after a grant transaction commits.
type AchievementGrantedEvent struct {
	BaseEvent
	UserID          UserID `json:"user_id"`
	Scope           Scope  `json:"scope"`
	AchievementID   int    `json:"achievement_id"`
	Coins           int64  `json:"coins"`
	XP              int64  `json:"xp"`
	ContributionKey string `json:"contribution_key,omitempty"`
}

// Payload implements Event interface.
func (e AchievementGrantedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":          e.UserID.Int64(),
		"scope":            e.Scope.Key(),
		"achievement_id":   e.AchievementID,
		"coins":            e.Coins,
		"xp":               e.XP,
		"contribution_key": e.ContributionKey,
	}
}

// NewAchievementGrantedEvent creates a new AchievementGrantedEvent.
func NewAchievementGrantedEvent(user UserID, scope Scope, achievementID int, coins, xp int64, key string) AchievementGrantedEvent {
	return AchievementGrantedEvent{
		BaseEvent:       NewBaseEvent(EventAchievementGranted, user.String()),
		UserID:          user,
		Scope:           scope,
		AchievementID:   achievementID,
		Coins:           coins,
		XP:              xp,
		ContributionKey: key,
	}
}

// AchievementRevokedEvent is emitted after a revocation transaction commits.
type AchievementRevokedEvent struct {
	BaseEvent
	UserID        UserID `json:"user_id"`
	Scope         Scope  `json:"scope"`
	AchievementID int    `json:"achievement_id"`
	XP            int64  `json:"xp"`
	Reason        string `json:"reason"`
}

// Payload implements Event interface.
func (e AchievementRevokedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":        e.UserID.Int64(),
		"scope":          e.Scope.Key(),
		"achievement_id": e.AchievementID,
		"xp":             e.XP,
		"reason":         e.Reason,
	}
}

// NewAchievementRevokedEvent creates a new AchievementRevokedEvent.
func NewAchievementRevokedEvent(user UserID, scope Scope, achievementID int, xp int64, reason string) AchievementRevokedEvent {
	return AchievementRevokedEvent{
		BaseEvent:     NewBaseEvent(EventAchievementRevoked, user.String()),
		UserID:        user,
		Scope:         scope,
		AchievementID: achievementID,
		XP:            xp,
		Reason:        reason,
	}
}

// LevelUpEvent is emitted once per level crossed.
type LevelUpEvent struct {
	BaseEvent
	UserID   UserID `json:"user_id"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	Tokens   int    `json:"tokens"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":   e.UserID.Int64(),
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"tokens":    e.Tokens,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(user UserID, oldLevel, newLevel, tokens int) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, user.String()),
		UserID:    user,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Tokens:    tokens,
	}
}

// XPRepairedEvent is emitted when accumulators were rebuilt from the ledger.
type XPRepairedEvent struct {
	BaseEvent
	UserID      UserID `json:"user_id"`
	Corrections int    `json:"corrections"`
}

// Payload implements Event interface.
func (e XPRepairedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":     e.UserID.Int64(),
		"corrections": e.Corrections,
	}
}

// NewXPRepairedEvent creates a new XPRepairedEvent.
func NewXPRepairedEvent(user UserID, corrections int) XPRepairedEvent {
	return XPRepairedEvent{
		BaseEvent:   NewBaseEvent(EventXPRepaired, user.String()),
		UserID:      user,
		Corrections: corrections,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Activity Signals
// ═══════════════════════════════════════════════════════════════════════════

// ActivityCompletedEvent records an inbound completion or grade-change signal.
type ActivityCompletedEvent struct {
	BaseEvent
	UserID UserID `json:"user_id"`
	Scope  Scope  `json:"scope"`
}

// Payload implements Event interface.
func (e ActivityCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID.Int64(),
		"scope":   e.Scope.Key(),
	}
}

// NewActivityCompletedEvent creates a new ActivityCompletedEvent.
func NewActivityCompletedEvent(user UserID, scope Scope) ActivityCompletedEvent {
	return ActivityCompletedEvent{
		BaseEvent: NewBaseEvent(EventActivityCompleted, user.String()),
		UserID:    user,
		Scope:     scope,
	}
}

// ActivityRevertedEvent records an inbound "activity became incomplete" signal.
type ActivityRevertedEvent struct {
	BaseEvent
	UserID         UserID `json:"user_id"`
	Scope          Scope  `json:"scope"`
	CourseModuleID int64  `json:"coursemodule_id"`
}

// Payload implements Event interface.
func (e ActivityRevertedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":         e.UserID.Int64(),
		"scope":           e.Scope.Key(),
		"coursemodule_id": e.CourseModuleID,
	}
}

// NewActivityRevertedEvent creates a new ActivityRevertedEvent.
func NewActivityRevertedEvent(user UserID, scope Scope, cmID int64) ActivityRevertedEvent {
	return ActivityRevertedEvent{
		BaseEvent:      NewBaseEvent(EventActivityReverted, user.String()),
		UserID:         user,
		Scope:          scope,
		CourseModuleID: cmID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// System Events
// ═══════════════════════════════════════════════════════════════════════════

// SweepCompletedEvent is emitted at the end of a batch sweep.
type SweepCompletedEvent struct {
	BaseEvent
	Users       int           `json:"users"`
	Grants      int           `json:"grants"`
	Failures    int           `json:"failures"`
	Interrupted bool          `json:"interrupted"`
	Duration    time.Duration `json:"duration"`
}

// Payload implements Event interface.
func (e SweepCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"users":       e.Users,
		"grants":      e.Grants,
		"failures":    e.Failures,
		"interrupted": e.Interrupted,
		"duration":    e.Duration.String(),
	}
}

// NewSweepCompletedEvent creates a new SweepCompletedEvent.
func NewSweepCompletedEvent(users, grants, failures int, interrupted bool, d time.Duration) SweepCompletedEvent {
	return SweepCompletedEvent{
		BaseEvent:   NewBaseEvent(EventSweepCompleted, "sweep"),
		Users:       users,
		Grants:      grants,
		Failures:    failures,
		Interrupted: interrupted,
		Duration:    d,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
