package store

import (
	"time"

	"msgpipe/internal/domain"
)

type OutboxTask struct {
	ID            string
	Kind          domain.TaskKind
	Ref           string
	Payload       []byte
	CreatedAt     time.Time
	NextAttemptAt *time.Time
	ProcessedAt   *time.Time
	Attempts      int
	LastError     string
}

// IsPending reports whether the task is eligible for a drainer at now.
func (t OutboxTask) IsPending(now time.Time) bool {
	return t.ProcessedAt == nil && (t.NextAttemptAt == nil || !t.NextAttemptAt.After(now))
}

type Contact struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Source    string
	CreatedAt time.Time
}

func (c Contact) DisplayName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	case c.LastName != "":
		return c.LastName
	case c.Email != "":
		return c.Email
	default:
		return c.Phone
	}
}

type Thread struct {
	ID                 string
	ContactID          string
	LeadID             string
	Channel            domain.Channel
	Status             domain.ThreadStatus
	LastMessagePreview string
	LastMessageAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Participant struct {
	ID              string
	ThreadID        string
	Type            domain.ParticipantType
	ContactID       string
	DisplayName     string
	ExternalAddress string
	CreatedAt       time.Time
}

type Addresses struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

type Message struct {
	ID                string
	ThreadID          string
	ParticipantID     string
	Direction         domain.Direction
	Channel           domain.Channel
	Body              string
	Subject           string
	MediaURLs         []string
	Addresses         Addresses
	Provider          string
	ProviderMessageID string
	DeliveryStatus    domain.DeliveryStatus
	Metadata          map[string]any
	CreatedAt         time.Time
	SentAt            *time.Time
	ReceivedAt        *time.Time
}

// DisplayAt is the single ordering key for a thread's timeline.
func (m Message) DisplayAt() time.Time {
	switch {
	case m.SentAt != nil:
		return *m.SentAt
	case m.ReceivedAt != nil:
		return *m.ReceivedAt
	default:
		return m.CreatedAt
	}
}

// DedupeKey returns the caller-supplied idempotency token, if any.
func (m Message) DedupeKey() string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[domain.MetaDedupeKey].(string)
	return s
}

type DeliveryEvent struct {
	ID         string
	MessageID  string
	Status     domain.DeliveryStatus
	Detail     string
	Provider   string
	OccurredAt time.Time
}

type ProviderHealth struct {
	Provider          string
	LastSuccessAt     *time.Time
	LastFailureAt     *time.Time
	LastFailureDetail string
}

type ConsentStatus string

const (
	ConsentOptedIn  ConsentStatus = "opted_in"
	ConsentOptedOut ConsentStatus = "opted_out"
)

// ThreadBump updates the denormalized last-message fields of a thread.
type ThreadBump struct {
	ThreadID string
	Preview  string
	At       time.Time
}

// StatusUpdate moves a message to Status and optionally attaches provider ids.
type StatusUpdate struct {
	MessageID         string
	Status            domain.DeliveryStatus
	Provider          string
	ProviderMessageID string
	SentAt            *time.Time
	Now               time.Time
}

// HealthUpdate records one provider outcome. Exactly one of Success or
// Failure is set.
type HealthUpdate struct {
	Provider string
	Success  bool
	Failure  bool
	Detail   string
	At       time.Time
}
