package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

type TaskKind string

const (
	KindMessageSend  TaskKind = "message.send"
	KindReminderFire TaskKind = "reminder.fire"
	KindSyncTrigger  TaskKind = "sync.trigger"
)

func (k TaskKind) IsValid() bool {
	switch k {
	case KindMessageSend, KindReminderFire, KindSyncTrigger:
		return true
	default:
		return false
	}
}

// Task is a unit of side-effect work stored in the outbox. The set of
// implementations is closed; dispatch is keyed on Kind.
type Task interface {
	Kind() TaskKind
	// Ref identifies the named unit of work the task belongs to. Two pending
	// tasks with the same Kind and Ref are the same work.
	Ref() string
	Validate() error

	isTask()
}

// SendMessageTask hands a queued message to the drainer for delivery.
type SendMessageTask struct {
	MessageID string  `json:"messageId"`
	Channel   Channel `json:"channel"`
	To        string  `json:"to,omitempty"`
}

func (SendMessageTask) Kind() TaskKind { return KindMessageSend }
func (t SendMessageTask) Ref() string  { return t.MessageID }
func (SendMessageTask) isTask()        {}

func (t SendMessageTask) Validate() error {
	if t.MessageID == "" {
		return Validation("message.send: messageId is required")
	}
	if !t.Channel.IsValid() {
		return Validation("message.send: unknown channel %q", t.Channel)
	}
	return nil
}

// ReminderTask sends Body to a contact once it becomes due.
type ReminderTask struct {
	TaskID    string  `json:"taskId"`
	ContactID string  `json:"contactId"`
	Channel   Channel `json:"channel"`
	Body      string  `json:"body"`
}

func (ReminderTask) Kind() TaskKind { return KindReminderFire }
func (t ReminderTask) Ref() string  { return t.TaskID }
func (ReminderTask) isTask()        {}

func (t ReminderTask) Validate() error {
	if t.TaskID == "" || t.ContactID == "" || strings.TrimSpace(t.Body) == "" {
		return Validation("reminder.fire: taskId, contactId and body are required")
	}
	if !t.Channel.IsValid() {
		return Validation("reminder.fire: unknown channel %q", t.Channel)
	}
	return nil
}

// SyncTask asks an external integration to run a named job.
type SyncTask struct {
	JobName string            `json:"jobName"`
	Params  map[string]string `json:"params,omitempty"`
}

func (SyncTask) Kind() TaskKind { return KindSyncTrigger }
func (t SyncTask) Ref() string  { return t.JobName }
func (SyncTask) isTask()        {}

func (t SyncTask) Validate() error {
	if t.JobName == "" {
		return Validation("sync.trigger: jobName is required")
	}
	return nil
}

// EncodeTask validates t and returns its JSON payload.
func EncodeTask(t Task) ([]byte, error) {
	if t == nil {
		return nil, Validation("task is required")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// DecodeTask rebuilds the typed task stored under kind.
func DecodeTask(kind TaskKind, payload []byte) (Task, error) {
	var (
		t   Task
		err error
	)
	switch kind {
	case KindMessageSend:
		var v SendMessageTask
		err = json.Unmarshal(payload, &v)
		t = v
	case KindReminderFire:
		var v ReminderTask
		err = json.Unmarshal(payload, &v)
		t = v
	case KindSyncTrigger:
		var v SyncTask
		err = json.Unmarshal(payload, &v)
		t = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrValidation, kind, err)
	}
	return t, nil
}
