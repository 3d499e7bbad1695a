package store

import (
	"context"
	"errors"
	"time"

	"msgpipe/internal/domain"
)

// ErrConflict is returned when an insert hits a uniqueness constraint. Callers
// treat it as "someone else created it first" and re-read.
var ErrConflict = errors.New("store: unique constraint conflict")

type OutboxQueries interface {
	InsertOutboxTask(ctx context.Context, t OutboxTask) error
	FindPendingOutboxTask(ctx context.Context, kind domain.TaskKind, ref string) (OutboxTask, bool, error)
	SetOutboxTaskNextAttempt(ctx context.Context, id string, at *time.Time) error
	// ClaimDueOutboxTasks locks up to limit due tasks, moves their next
	// attempt to leaseUntil and returns them.
	ClaimDueOutboxTasks(ctx context.Context, now, leaseUntil time.Time, limit int) ([]OutboxTask, error)
	MarkOutboxTaskProcessed(ctx context.Context, id, lastError string, now time.Time) (bool, error)
	RescheduleOutboxTask(ctx context.Context, id string, at time.Time, lastError string) error
	GetOutboxTask(ctx context.Context, id string) (OutboxTask, bool, error)
	CountPendingOutboxTasks(ctx context.Context, now time.Time) (int, error)
}

type ContactQueries interface {
	GetContact(ctx context.Context, id string) (Contact, bool, error)
	FindContactByPhone(ctx context.Context, e164 string) (Contact, bool, error)
	FindContactByEmail(ctx context.Context, email string) (Contact, bool, error)
	InsertContact(ctx context.Context, c Contact) error
	LatestLeadForContact(ctx context.Context, contactID string) (string, bool, error)
	SetConsent(ctx context.Context, contactID string, channel domain.Channel, status ConsentStatus, now time.Time) error
	GetConsent(ctx context.Context, contactID string, channel domain.Channel) (ConsentStatus, bool, error)
}

type ThreadQueries interface {
	FindCurrentThread(ctx context.Context, contactID string, channel domain.Channel) (Thread, bool, error)
	GetThread(ctx context.Context, id string) (Thread, bool, error)
	InsertThread(ctx context.Context, t Thread) error
	BumpThread(ctx context.Context, b ThreadBump) error
	FindParticipant(ctx context.Context, threadID string, typ domain.ParticipantType) (Participant, bool, error)
	InsertParticipant(ctx context.Context, p Participant) error
}

type MessageQueries interface {
	InsertMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, bool, error)
	FindOutboundByDedupeKey(ctx context.Context, threadID, dedupeKey string) (Message, bool, error)
	FindByProviderMessageID(ctx context.Context, provider, providerMessageID string) (Message, bool, error)
	// LockMessage and LockByProviderMessageID read a message and hold a row
	// lock until the surrounding transaction ends.
	LockMessage(ctx context.Context, id string) (Message, bool, error)
	LockByProviderMessageID(ctx context.Context, provider, providerMessageID string) (Message, bool, error)
	UpdateDeliveryStatus(ctx context.Context, u StatusUpdate) error
	ListThreadMessages(ctx context.Context, threadID string, limit int) ([]Message, error)
}

type DeliveryQueries interface {
	InsertDeliveryEvent(ctx context.Context, e DeliveryEvent) error
	ListDeliveryEvents(ctx context.Context, messageID string) ([]DeliveryEvent, error)
	RecordProviderOutcome(ctx context.Context, u HealthUpdate) error
	GetProviderHealth(ctx context.Context, provider string) (ProviderHealth, bool, error)
}

// Queries is everything a transaction can do.
type Queries interface {
	OutboxQueries
	ContactQueries
	ThreadQueries
	MessageQueries
	DeliveryQueries
}

// Store runs Queries directly or inside a transaction. InTx commits when fn
// returns nil and rolls back otherwise.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
}
