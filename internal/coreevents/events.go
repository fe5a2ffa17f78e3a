// Package coreevents implements the in-process event bus (C4): typed
// publish/subscribe with synchronous, ordered delivery per realm.
package coreevents

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	TokenIssued         EventType = "TokenIssued"
	TokenRefreshed      EventType = "TokenRefreshed"
	TokenRevoked        EventType = "TokenRevoked"
	TokenReplayDetected EventType = "TokenReplayDetected"
	LoginSuccess        EventType = "LoginSuccess"
	LoginFailed         EventType = "LoginFailed"
	AccountLocked       EventType = "AccountLocked"
	AccountUnlocked     EventType = "AccountUnlocked"
	UserCreated         EventType = "UserCreated"
	UserUpdated         EventType = "UserUpdated"
	UserDeleted         EventType = "UserDeleted"
)

// Event is the envelope delivered to subscribers. Payload carries the
// event-specific fields; handlers type-assert it against the concrete
// struct documented for their EventType.
type Event struct {
	Type      EventType
	Realm     string
	Timestamp time.Time
	ActorID   *uuid.UUID
	Payload   interface{}
}

type Handler func(Event)
