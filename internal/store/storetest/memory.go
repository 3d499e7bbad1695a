// Package storetest provides an in-memory store.Store for service tests. It
// mirrors the unique indexes of migrations/001_init.sql so idempotency paths
// behave as they do against Postgres. Transactions are serialized and
// copy-on-write: a failed InTx leaves no trace.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"msgpipe/internal/domain"
	"msgpipe/internal/store"
)

type lead struct {
	ID        string
	CreatedAt time.Time
}

type consentKey struct {
	ContactID string
	Channel   domain.Channel
}

type state struct {
	mu *sync.Mutex

	contacts     map[string]store.Contact
	leads        map[string][]lead
	consents     map[consentKey]store.ConsentStatus
	threads      map[string]store.Thread
	participants map[string]store.Participant
	messages     map[string]store.Message
	events       []store.DeliveryEvent
	health       map[string]store.ProviderHealth
	tasks        map[string]store.OutboxTask
}

// Memory is a store.Store backed by maps.
type Memory struct {
	*state
}

var _ store.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{state: &state{
		mu:           &sync.Mutex{},
		contacts:     map[string]store.Contact{},
		leads:        map[string][]lead{},
		consents:     map[consentKey]store.ConsentStatus{},
		threads:      map[string]store.Thread{},
		participants: map[string]store.Participant{},
		messages:     map[string]store.Message{},
		health:       map[string]store.ProviderHealth{},
		tasks:        map[string]store.OutboxTask{},
	}}
}

func (s *state) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *state) clone() *state {
	return &state{
		contacts:     maps.Clone(s.contacts),
		leads:        maps.Clone(s.leads),
		consents:     maps.Clone(s.consents),
		threads:      maps.Clone(s.threads),
		participants: maps.Clone(s.participants),
		messages:     maps.Clone(s.messages),
		events:       slices.Clone(s.events),
		health:       maps.Clone(s.health),
		tasks:        maps.Clone(s.tasks),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	defer m.lock()()
	tx := m.clone()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.mu = m.mu
	m.state = tx
	return nil
}

// InTx on a state that is already inside a transaction joins it.
func (s *state) InTx(_ context.Context, fn func(q store.Queries) error) error {
	return fn(s)
}

func (s *state) Ping(context.Context) error { return nil }

func conflict(name string) error {
	return fmt.Errorf("%w: %s", store.ErrConflict, name)
}

// --- test helpers

// AddContact seeds a contact.
func (m *Memory) AddContact(c store.Contact) {
	defer m.lock()()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.contacts[c.ID] = c
}

// AddLead links a lead to a contact.
func (m *Memory) AddLead(contactID, leadID string, at time.Time) {
	defer m.lock()()
	m.leads[contactID] = append(m.leads[contactID], lead{ID: leadID, CreatedAt: at})
}

// AddThread seeds a thread without its participants.
func (m *Memory) AddThread(t store.Thread) {
	defer m.lock()()
	m.threads[t.ID] = t
}

// AddMessage seeds a message row as-is.
func (m *Memory) AddMessage(msg store.Message) {
	defer m.lock()()
	m.messages[msg.ID] = msg
}

func (m *Memory) Contacts() []store.Contact {
	defer m.lock()()
	return slices.Collect(maps.Values(m.contacts))
}

func (m *Memory) Threads() []store.Thread {
	defer m.lock()()
	return slices.Collect(maps.Values(m.threads))
}

func (m *Memory) Participants(threadID string) []store.Participant {
	defer m.lock()()
	var out []store.Participant
	for _, p := range m.participants {
		if p.ThreadID == threadID {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) Messages() []store.Message {
	defer m.lock()()
	return slices.Collect(maps.Values(m.messages))
}

func (m *Memory) Tasks() []store.OutboxTask {
	defer m.lock()()
	out := slices.Collect(maps.Values(m.tasks))
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- outbox

func (s *state) InsertOutboxTask(_ context.Context, t store.OutboxTask) error {
	defer s.lock()()
	if _, ok := s.tasks[t.ID]; ok {
		return conflict("outbox_tasks_pkey")
	}
	if t.Ref != "" {
		for _, o := range s.tasks {
			if o.ProcessedAt == nil && o.Kind == t.Kind && o.Ref == t.Ref {
				return conflict("outbox_pending_ref_idx")
			}
		}
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *state) FindPendingOutboxTask(_ context.Context, kind domain.TaskKind, ref string) (store.OutboxTask, bool, error) {
	defer s.lock()()
	for _, t := range s.tasks {
		if t.ProcessedAt == nil && t.Kind == kind && t.Ref == ref {
			return t, true, nil
		}
	}
	return store.OutboxTask{}, false, nil
}

func (s *state) SetOutboxTaskNextAttempt(_ context.Context, id string, at *time.Time) error {
	defer s.lock()()
	t, ok := s.tasks[id]
	if !ok || t.ProcessedAt != nil {
		return nil
	}
	t.NextAttemptAt = at
	s.tasks[id] = t
	return nil
}

func (s *state) ClaimDueOutboxTasks(_ context.Context, now, leaseUntil time.Time, limit int) ([]store.OutboxTask, error) {
	defer s.lock()()
	var due []store.OutboxTask
	for _, t := range s.tasks {
		if t.IsPending(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		switch {
		case a.NextAttemptAt == nil && b.NextAttemptAt != nil:
			return true
		case a.NextAttemptAt != nil && b.NextAttemptAt == nil:
			return false
		case a.NextAttemptAt != nil && !a.NextAttemptAt.Equal(*b.NextAttemptAt):
			return a.NextAttemptAt.Before(*b.NextAttemptAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lease := leaseUntil
		due[i].NextAttemptAt = &lease
		due[i].Attempts++
		s.tasks[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *state) MarkOutboxTaskProcessed(_ context.Context, id, lastError string, now time.Time) (bool, error) {
	defer s.lock()()
	t, ok := s.tasks[id]
	if !ok || t.ProcessedAt != nil {
		return false, nil
	}
	t.ProcessedAt = &now
	if lastError != "" {
		t.LastError = lastError
	}
	s.tasks[id] = t
	return true, nil
}

func (s *state) RescheduleOutboxTask(_ context.Context, id string, at time.Time, lastError string) error {
	defer s.lock()()
	t, ok := s.tasks[id]
	if !ok || t.ProcessedAt != nil {
		return nil
	}
	t.NextAttemptAt = &at
	t.LastError = lastError
	s.tasks[id] = t
	return nil
}

func (s *state) GetOutboxTask(_ context.Context, id string) (store.OutboxTask, bool, error) {
	defer s.lock()()
	t, ok := s.tasks[id]
	return t, ok, nil
}

func (s *state) CountPendingOutboxTasks(_ context.Context, now time.Time) (int, error) {
	defer s.lock()()
	n := 0
	for _, t := range s.tasks {
		if t.IsPending(now) {
			n++
		}
	}
	return n, nil
}

// --- contacts

func (s *state) GetContact(_ context.Context, id string) (store.Contact, bool, error) {
	defer s.lock()()
	c, ok := s.contacts[id]
	return c, ok, nil
}

func (s *state) FindContactByPhone(_ context.Context, e164 string) (store.Contact, bool, error) {
	defer s.lock()()
	return s.oldestContact(func(c store.Contact) bool { return c.Phone == e164 })
}

func (s *state) FindContactByEmail(_ context.Context, email string) (store.Contact, bool, error) {
	defer s.lock()()
	return s.oldestContact(func(c store.Contact) bool { return strings.EqualFold(c.Email, email) })
}

func (s *state) oldestContact(match func(store.Contact) bool) (store.Contact, bool, error) {
	var best store.Contact
	found := false
	for _, c := range s.contacts {
		if match(c) && (!found || c.CreatedAt.Before(best.CreatedAt)) {
			best, found = c, true
		}
	}
	return best, found, nil
}

func (s *state) InsertContact(_ context.Context, c store.Contact) error {
	defer s.lock()()
	if _, ok := s.contacts[c.ID]; ok {
		return conflict("contacts_pkey")
	}
	s.contacts[c.ID] = c
	return nil
}

func (s *state) LatestLeadForContact(_ context.Context, contactID string) (string, bool, error) {
	defer s.lock()()
	ls := s.leads[contactID]
	if len(ls) == 0 {
		return "", false, nil
	}
	latest := ls[0]
	for _, l := range ls[1:] {
		if l.CreatedAt.After(latest.CreatedAt) {
			latest = l
		}
	}
	return latest.ID, true, nil
}

func (s *state) SetConsent(_ context.Context, contactID string, channel domain.Channel, status store.ConsentStatus, _ time.Time) error {
	defer s.lock()()
	s.consents[consentKey{contactID, channel}] = status
	return nil
}

func (s *state) GetConsent(_ context.Context, contactID string, channel domain.Channel) (store.ConsentStatus, bool, error) {
	defer s.lock()()
	st, ok := s.consents[consentKey{contactID, channel}]
	return st, ok, nil
}

// --- threads

func (s *state) FindCurrentThread(_ context.Context, contactID string, channel domain.Channel) (store.Thread, bool, error) {
	defer s.lock()()
	var cands []store.Thread
	for _, t := range s.threads {
		if t.ContactID == contactID && t.Channel == channel && slices.Contains(domain.CurrentThreadStatuses, t.Status) {
			cands = append(cands, t)
		}
	}
	if len(cands) == 0 {
		return store.Thread{}, false, nil
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		switch {
		case a.LastMessageAt != nil && b.LastMessageAt == nil:
			return true
		case a.LastMessageAt == nil && b.LastMessageAt != nil:
			return false
		case a.LastMessageAt != nil && !a.LastMessageAt.Equal(*b.LastMessageAt):
			return a.LastMessageAt.After(*b.LastMessageAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	return cands[0], true, nil
}

func (s *state) GetThread(_ context.Context, id string) (store.Thread, bool, error) {
	defer s.lock()()
	t, ok := s.threads[id]
	return t, ok, nil
}

func (s *state) InsertThread(_ context.Context, t store.Thread) error {
	defer s.lock()()
	if _, ok := s.contacts[t.ContactID]; !ok {
		return errors.New("conversation_threads_contact_id_fkey")
	}
	if t.Status == domain.ThreadOpen || t.Status == domain.ThreadPending {
		for _, o := range s.threads {
			if o.ContactID == t.ContactID && o.Channel == t.Channel && (o.Status == domain.ThreadOpen || o.Status == domain.ThreadPending) {
				return conflict("threads_one_active_idx")
			}
		}
	}
	s.threads[t.ID] = t
	return nil
}

func (s *state) BumpThread(_ context.Context, b store.ThreadBump) error {
	defer s.lock()()
	t, ok := s.threads[b.ThreadID]
	if !ok {
		return nil
	}
	t.LastMessagePreview = b.Preview
	if t.LastMessageAt == nil || b.At.After(*t.LastMessageAt) {
		at := b.At
		t.LastMessageAt = &at
	}
	t.UpdatedAt = b.At
	s.threads[t.ID] = t
	return nil
}

func (s *state) FindParticipant(_ context.Context, threadID string, typ domain.ParticipantType) (store.Participant, bool, error) {
	defer s.lock()()
	var best store.Participant
	found := false
	for _, p := range s.participants {
		if p.ThreadID == threadID && p.Type == typ && (!found || p.CreatedAt.Before(best.CreatedAt)) {
			best, found = p, true
		}
	}
	return best, found, nil
}

func (s *state) InsertParticipant(_ context.Context, p store.Participant) error {
	defer s.lock()()
	if p.Type == domain.ParticipantSystem {
		for _, o := range s.participants {
			if o.ThreadID == p.ThreadID && o.Type == domain.ParticipantSystem {
				return conflict("participants_one_system_idx")
			}
		}
	}
	s.participants[p.ID] = p
	return nil
}

// --- messages

func (s *state) InsertMessage(_ context.Context, m store.Message) error {
	defer s.lock()()
	for _, o := range s.messages {
		if m.ProviderMessageID != "" && o.Provider == m.Provider && o.ProviderMessageID == m.ProviderMessageID {
			return conflict("messages_provider_msg_idx")
		}
		if m.Direction == domain.DirectionOutbound && o.Direction == domain.DirectionOutbound &&
			m.DedupeKey() != "" && o.ThreadID == m.ThreadID && o.DedupeKey() == m.DedupeKey() {
			return conflict("messages_outbound_dedupe_idx")
		}
	}
	s.messages[m.ID] = m
	return nil
}

func (s *state) GetMessage(_ context.Context, id string) (store.Message, bool, error) {
	defer s.lock()()
	m, ok := s.messages[id]
	return m, ok, nil
}

func (s *state) LockMessage(ctx context.Context, id string) (store.Message, bool, error) {
	return s.GetMessage(ctx, id)
}

func (s *state) FindOutboundByDedupeKey(_ context.Context, threadID, dedupeKey string) (store.Message, bool, error) {
	defer s.lock()()
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.Direction == domain.DirectionOutbound && m.DedupeKey() == dedupeKey {
			return m, true, nil
		}
	}
	return store.Message{}, false, nil
}

func (s *state) FindByProviderMessageID(_ context.Context, provider, providerMessageID string) (store.Message, bool, error) {
	defer s.lock()()
	for _, m := range s.messages {
		if m.Provider == provider && m.ProviderMessageID == providerMessageID {
			return m, true, nil
		}
	}
	return store.Message{}, false, nil
}

func (s *state) LockByProviderMessageID(ctx context.Context, provider, providerMessageID string) (store.Message, bool, error) {
	return s.FindByProviderMessageID(ctx, provider, providerMessageID)
}

func (s *state) UpdateDeliveryStatus(_ context.Context, u store.StatusUpdate) error {
	defer s.lock()()
	m, ok := s.messages[u.MessageID]
	if !ok {
		return nil
	}
	if u.ProviderMessageID != "" {
		for _, o := range s.messages {
			if o.ID != m.ID && o.Provider == u.Provider && o.ProviderMessageID == u.ProviderMessageID {
				return conflict("messages_provider_msg_idx")
			}
		}
	}
	m.DeliveryStatus = u.Status
	if u.Provider != "" {
		m.Provider = u.Provider
	}
	if u.ProviderMessageID != "" {
		m.ProviderMessageID = u.ProviderMessageID
	}
	if m.SentAt == nil && u.SentAt != nil {
		m.SentAt = u.SentAt
	}
	s.messages[m.ID] = m
	return nil
}

func (s *state) ListThreadMessages(_ context.Context, threadID string, limit int) ([]store.Message, error) {
	defer s.lock()()
	var out []store.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayAt().After(out[j].DisplayAt()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- delivery + health

func (s *state) InsertDeliveryEvent(_ context.Context, e store.DeliveryEvent) error {
	defer s.lock()()
	s.events = append(s.events, e)
	return nil
}

func (s *state) ListDeliveryEvents(_ context.Context, messageID string) ([]store.DeliveryEvent, error) {
	defer s.lock()()
	var out []store.DeliveryEvent
	for _, e := range s.events {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *state) RecordProviderOutcome(_ context.Context, u store.HealthUpdate) error {
	defer s.lock()()
	h := s.health[u.Provider]
	h.Provider = u.Provider
	at := u.At
	switch {
	case u.Success:
		if h.LastSuccessAt == nil || at.After(*h.LastSuccessAt) {
			h.LastSuccessAt = &at
		}
	case u.Failure:
		if h.LastFailureAt == nil || at.After(*h.LastFailureAt) {
			h.LastFailureAt = &at
		}
		h.LastFailureDetail = u.Detail
	default:
		return errors.New("health update must be a success or a failure")
	}
	s.health[u.Provider] = h
	return nil
}

func (s *state) GetProviderHealth(_ context.Context, provider string) (store.ProviderHealth, bool, error) {
	defer s.lock()()
	h, ok := s.health[provider]
	return h, ok, nil
}
