package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"msgpipe/internal/domain"
	"msgpipe/internal/outbox"
	"msgpipe/internal/service"
	"msgpipe/internal/store"
)

// API is the admin surface over the messaging services.
type API struct {
	Messaging *service.Messaging
	Health    *service.Health
	Outbox    *outbox.Queue
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/messages", a.handleQueueMessage).Methods(http.MethodPost)
	m.HandleFunc("/v1/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
	m.HandleFunc("/v1/tasks/reminders", a.handleScheduleReminder).Methods(http.MethodPost)
	m.HandleFunc("/v1/tasks/sync", a.handleTriggerSync).Methods(http.MethodPost)
	m.HandleFunc("/v1/providers/{provider}/health", a.handleProviderHealth).Methods(http.MethodGet)
}

type queueMessageRequest struct {
	ContactID     string         `json:"contactId"`
	Channel       string         `json:"channel"`
	Body          string         `json:"body"`
	ToAddress     string         `json:"toAddress,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	MediaURLs     []string       `json:"mediaUrls,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	DedupeKey     string         `json:"dedupeKey,omitempty"`
	NextAttemptAt *time.Time     `json:"nextAttemptAt,omitempty"`
}

type queueMessageResponse struct {
	MessageID string `json:"messageId,omitempty"`
	Queued    bool   `json:"queued"`
}

func (a *API) handleQueueMessage(w http.ResponseWriter, r *http.Request) {
	var req queueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	channel, err := domain.ParseChannel(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := a.Messaging.QueueOutboundMessage(r.Context(), req.ContactID, channel, req.Body, service.OutboundOptions{
		ToAddress:     req.ToAddress,
		Subject:       req.Subject,
		MediaURLs:     req.MediaURLs,
		Metadata:      req.Metadata,
		DedupeKey:     req.DedupeKey,
		NextAttemptAt: req.NextAttemptAt,
	})
	if err != nil {
		writeError(w, err, "queue outbound message failed",
			"contact_id", req.ContactID,
			"channel", req.Channel,
			"dedupe_key", req.DedupeKey,
		)
		return
	}
	// an unknown contact is not an error; nothing was queued
	writeJSON(w, http.StatusAccepted, queueMessageResponse{MessageID: id, Queued: id != ""})
}

type scheduleReminderRequest struct {
	TaskID    string     `json:"taskId"`
	ContactID string     `json:"contactId"`
	Channel   string     `json:"channel"`
	Body      string     `json:"body"`
	At        *time.Time `json:"at,omitempty"`
}

type taskResponse struct {
	OutboxID string `json:"outboxId"`
}

func (a *API) handleScheduleReminder(w http.ResponseWriter, r *http.Request) {
	var req scheduleReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	channel, err := domain.ParseChannel(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task := domain.ReminderTask{
		TaskID:    req.TaskID,
		ContactID: req.ContactID,
		Channel:   channel,
		Body:      req.Body,
	}
	id, err := a.Messaging.ScheduleReminder(r.Context(), task, req.At)
	if err != nil {
		writeError(w, err, "schedule reminder failed", "task_id", req.TaskID)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{OutboxID: id})
}

type triggerSyncRequest struct {
	JobName string            `json:"jobName"`
	Params  map[string]string `json:"params,omitempty"`
	At      *time.Time        `json:"at,omitempty"`
}

func (a *API) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	// one pending trigger per job; a second request moves it
	id, err := a.Outbox.Schedule(r.Context(), domain.SyncTask{JobName: req.JobName, Params: req.Params}, req.At)
	if err != nil {
		writeError(w, err, "trigger sync failed", "job", req.JobName)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{OutboxID: id})
}

type deliveryEventResponse struct {
	Status     domain.DeliveryStatus `json:"status"`
	Detail     string                `json:"detail,omitempty"`
	Provider   string                `json:"provider,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
}

type messageResponse struct {
	ID                string                  `json:"id"`
	ThreadID          string                  `json:"threadId"`
	Direction         domain.Direction        `json:"direction"`
	Channel           domain.Channel          `json:"channel"`
	Body              string                  `json:"body"`
	Subject           string                  `json:"subject,omitempty"`
	MediaURLs         []string                `json:"mediaUrls,omitempty"`
	Addresses         store.Addresses         `json:"addresses"`
	Provider          string                  `json:"provider,omitempty"`
	ProviderMessageID string                  `json:"providerMessageId,omitempty"`
	DeliveryStatus    domain.DeliveryStatus   `json:"deliveryStatus,omitempty"`
	Metadata          map[string]any          `json:"metadata,omitempty"`
	CreatedAt         time.Time               `json:"createdAt"`
	SentAt            *time.Time              `json:"sentAt,omitempty"`
	ReceivedAt        *time.Time              `json:"receivedAt,omitempty"`
	Events            []deliveryEventResponse `json:"events"`
}

func toMessageResponse(v service.MessageView) messageResponse {
	m := v.Message
	out := messageResponse{
		ID:                m.ID,
		ThreadID:          m.ThreadID,
		Direction:         m.Direction,
		Channel:           m.Channel,
		Body:              m.Body,
		Subject:           m.Subject,
		MediaURLs:         m.MediaURLs,
		Addresses:         m.Addresses,
		Provider:          m.Provider,
		ProviderMessageID: m.ProviderMessageID,
		DeliveryStatus:    m.DeliveryStatus,
		Metadata:          m.Metadata,
		CreatedAt:         m.CreatedAt,
		SentAt:            m.SentAt,
		ReceivedAt:        m.ReceivedAt,
		Events:            make([]deliveryEventResponse, 0, len(v.Events)),
	}
	for _, e := range v.Events {
		out.Events = append(out.Events, deliveryEventResponse{
			Status:     e.Status,
			Detail:     e.Detail,
			Provider:   e.Provider,
			OccurredAt: e.OccurredAt,
		})
	}
	return out
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	view, err := a.Messaging.GetMessage(r.Context(), id)
	if err != nil {
		writeError(w, err, "get message failed", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(view))
}

func (a *API) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	report, err := a.Health.Report(r.Context(), provider)
	if err != nil {
		writeError(w, err, "provider health failed", "provider", provider)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
