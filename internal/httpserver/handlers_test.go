package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"msgpipe/internal/domain"
	"msgpipe/internal/outbox"
	"msgpipe/internal/service"
	"msgpipe/internal/store"
	"msgpipe/internal/store/storetest"
)

type apiEnv struct {
	mem *storetest.Memory
	rec *service.Reconciler
	srv *Server
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	mem := storetest.New()
	mem.AddContact(store.Contact{ID: "ctc_1", Phone: "+14045550100", CreatedAt: time.Now()})
	q := outbox.New(mem)

	s := New()
	s.Mux.Use(Recover)
	api := &API{
		Messaging: service.NewMessaging(mem, q),
		Health:    &service.Health{Store: mem},
		Outbox:    q,
	}
	api.Register(s.Mux)
	s.Probes(time.Second, mem.Ping)
	return &apiEnv{mem: mem, rec: &service.Reconciler{Store: mem}, srv: s}
}

func (e *apiEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	e.srv.Mux.ServeHTTP(rr, req)
	return rr
}

func TestQueueMessageAndGet(t *testing.T) {
	e := newAPI(t)

	rr := e.do(http.MethodPost, "/v1/messages", `{"contactId":"ctc_1","channel":"SMS","body":"Your table is ready","dedupeKey":"table:7"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var queued queueMessageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &queued))
	require.True(t, queued.Queued)
	require.NotEmpty(t, queued.MessageID)

	// same dedupe key, same message
	rr = e.do(http.MethodPost, "/v1/messages", `{"contactId":"ctc_1","channel":"sms","body":"Your table is ready","dedupeKey":"table:7"}`)
	var again queueMessageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &again))
	require.Equal(t, queued.MessageID, again.MessageID)
	require.Len(t, e.mem.Tasks(), 1)

	_, err := e.rec.RecordSendResult(context.Background(), queued.MessageID, "twilio", "SM1")
	require.NoError(t, err)

	rr = e.do(http.MethodGet, "/v1/messages/"+queued.MessageID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got messageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, domain.StatusSent, got.DeliveryStatus)
	require.Equal(t, "SM1", got.ProviderMessageID)
	require.Equal(t, "+14045550100", got.Addresses.To)
	require.Len(t, got.Events, 2)
	require.Equal(t, domain.StatusQueued, got.Events[0].Status)
}

func TestQueueMessageErrors(t *testing.T) {
	e := newAPI(t)

	require.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/messages", `{`).Code)
	require.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/messages", `{"contactId":"ctc_1","channel":"fax","body":"x"}`).Code)
	require.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/messages", `{"contactId":"ctc_1","channel":"sms","body":"  "}`).Code)

	rr := e.do(http.MethodPost, "/v1/messages", `{"contactId":"ctc_missing","channel":"sms","body":"hi"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.JSONEq(t, `{"queued":false}`, rr.Body.String())

	require.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/v1/messages/msg_nope", "").Code)
}

func TestScheduleReminderMovesPendingTask(t *testing.T) {
	e := newAPI(t)
	at1 := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	at2 := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)

	body := `{"taskId":"T1","contactId":"ctc_1","channel":"sms","body":"See you at 7","at":"%s"}`
	rr := e.do(http.MethodPost, "/v1/tasks/reminders", strings.Replace(body, "%s", at1, 1))
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr = e.do(http.MethodPost, "/v1/tasks/reminders", strings.Replace(body, "%s", at2, 1))
	require.Equal(t, http.StatusAccepted, rr.Code)

	tasks := e.mem.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, at2, tasks[0].NextAttemptAt.Format(time.RFC3339))

	rr = e.do(http.MethodPost, "/v1/tasks/reminders", `{"taskId":"T2","channel":"sms","body":"x"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = e.do(http.MethodPost, "/v1/tasks/reminders", `{"taskId":"T3","contactId":"ctc_1","channel":"pager","body":"x"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChannelIsCaseInsensitiveOnBothEndpoints(t *testing.T) {
	e := newAPI(t)

	rr := e.do(http.MethodPost, "/v1/messages", `{"contactId":"ctc_1","channel":"SMS","body":"hi"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	rr = e.do(http.MethodPost, "/v1/tasks/reminders", `{"taskId":"T9","contactId":"ctc_1","channel":"SMS","body":"hi"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var reminder *domain.ReminderTask
	for _, task := range e.mem.Tasks() {
		if task.Kind != domain.KindReminderFire {
			continue
		}
		decoded, err := domain.DecodeTask(task.Kind, task.Payload)
		require.NoError(t, err)
		r := decoded.(domain.ReminderTask)
		reminder = &r
	}
	require.NotNil(t, reminder)
	require.Equal(t, domain.ChannelSMS, reminder.Channel)
}

func TestTriggerSync(t *testing.T) {
	e := newAPI(t)
	rr := e.do(http.MethodPost, "/v1/tasks/sync", `{"jobName":"crm.contacts","params":{"since":"2024-05-01"}}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	tasks := e.mem.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, domain.KindSyncTrigger, tasks[0].Kind)

	require.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/v1/tasks/sync", `{}`).Code)
}

func TestProviderHealthEndpoint(t *testing.T) {
	e := newAPI(t)

	rr := e.do(http.MethodGet, "/v1/providers/twilio/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var report service.ProviderHealthReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.Equal(t, domain.HealthUnknown, report.Status)

	require.NoError(t, e.mem.RecordProviderOutcome(context.Background(), store.HealthUpdate{Provider: "twilio", Success: true, At: time.Now()}))
	rr = e.do(http.MethodGet, "/v1/providers/twilio/health", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.Equal(t, domain.HealthHealthy, report.Status)
}

func TestProbes(t *testing.T) {
	e := newAPI(t)
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/readyz", "").Code)

	down := New()
	down.Probes(time.Second, func(context.Context) error { return errors.New("db down") })
	rr := httptest.NewRecorder()
	down.Mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrMissingFrom, http.StatusBadRequest},
		{domain.NotFound("message", "x"), http.StatusNotFound},
		{errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeError(rr, tc.err, "test")
		require.Equal(t, tc.code, rr.Code, tc.err.Error())
	}
}
