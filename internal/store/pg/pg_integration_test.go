//go:build integration

package pg_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"msgpipe/internal/domain"
	"msgpipe/internal/outbox"
	"msgpipe/internal/service"
	"msgpipe/internal/store"
	"msgpipe/internal/store/pg"
)

func TestOutboundDedupeUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	seedContact(t, st, "ctc_1", "+14045550100")
	msgs := service.NewMessaging(st, outbox.New(st))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := msgs.QueueOutboundMessage(ctx, "ctc_1", domain.ChannelSMS, "Your table is ready", service.OutboundOptions{DedupeKey: "table:7"})
			require.NoError(t, err)
			mu.Lock()
			ids[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, 1)

	n, err := outbox.New(st).Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestEnsureThreadUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	seedContact(t, st, "ctc_1", "+14045550100")
	threads := &service.Threads{Store: st}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := threads.EnsureThread(ctx, "ctc_1", domain.ChannelSMS)
			require.NoError(t, err)
			mu.Lock()
			ids[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, 1)
}

func TestScheduleAndClaimOutbox(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	q := outbox.New(st)
	task := domain.ReminderTask{TaskID: "T1", ContactID: "ctc_1", Channel: domain.ChannelSMS, Body: "See you at 7"}

	t0 := time.Now().Add(-time.Minute).UTC()
	t1 := time.Now().Add(time.Hour).UTC()
	id0, err := q.Schedule(ctx, task, &t0)
	require.NoError(t, err)
	id1, err := q.Schedule(ctx, task, &t1)
	require.NoError(t, err)
	require.Equal(t, id0, id1)

	got, found, err := st.GetOutboxTask(ctx, id0)
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, t1, *got.NextAttemptAt, time.Millisecond)

	_, err = q.Schedule(ctx, task, nil)
	require.NoError(t, err)

	first, err := q.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 1, first[0].Attempts)

	second, err := q.ClaimDue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, second, "a leased task is not claimed twice")

	ok, err := q.MarkProcessed(ctx, id0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.MarkProcessed(ctx, id0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReconcileAndInboundAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	seedContact(t, st, "ctc_1", "+14045550100")
	msgs := service.NewMessaging(st, outbox.New(st))
	rec := &service.Reconciler{Store: st}

	id, err := msgs.QueueOutboundMessage(ctx, "ctc_1", domain.ChannelSMS, "hello", service.OutboundOptions{})
	require.NoError(t, err)
	_, err = rec.RecordSendResult(ctx, id, "twilio", "SM1")
	require.NoError(t, err)

	for _, status := range []string{"delivered", "sent", "queued", "failed"} {
		_, err := rec.IngestDeliveryStatus(ctx, "twilio", "SM1", status)
		require.NoError(t, err)
	}
	view, err := msgs.GetMessage(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusDelivered, view.Message.DeliveryStatus)
	require.Len(t, view.Events, 3)

	status, err := (&service.Health{Store: st}).GetProviderHealth(ctx, "twilio")
	require.NoError(t, err)
	require.Equal(t, domain.HealthHealthy, status)

	in := service.InboundMessage{Channel: domain.ChannelSMS, Body: "STOP", From: "+14045550100", Provider: "twilio", ProviderMessageID: "SMin1"}
	res, err := msgs.RecordInboundMessage(ctx, in)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, "ctc_1", res.ContactID)
	res, err = msgs.RecordInboundMessage(ctx, in)
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	consent, found, err := st.GetConsent(ctx, "ctc_1", domain.ChannelSMS)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, store.ConsentOptedOut, consent)
}

func TestMalformedMessageJSONIsAnError(t *testing.T) {
	ctx := context.Background()
	st := setupStore(t)
	seedContact(t, st, "ctc_1", "+14045550100")
	msgs := service.NewMessaging(st, outbox.New(st))

	id, err := msgs.QueueOutboundMessage(ctx, "ctc_1", domain.ChannelSMS, "hello", service.OutboundOptions{DedupeKey: "k1"})
	require.NoError(t, err)
	m, found, err := st.GetMessage(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "k1", m.DedupeKey())

	_, err = st.DB.Exec(ctx, `UPDATE conversation_messages SET metadata = '["dedupeKey"]' WHERE id = $1`, id)
	require.NoError(t, err)
	_, _, err = st.GetMessage(ctx, id)
	require.ErrorContains(t, err, "decode metadata")
}

func seedContact(t *testing.T, st *pg.Store, id, phone string) {
	t.Helper()
	require.NoError(t, st.InsertContact(context.Background(), store.Contact{ID: id, Phone: phone, CreatedAt: time.Now()}))
}

func setupStore(t *testing.T) *pg.Store {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "connect admin db")
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err, "create schema")

	dbDSN, err := withSearchPath(dsn, schema)
	require.NoError(t, err)
	db, err := pg.NewPool(ctx, dbDSN, pg.PoolOptions{MaxConns: 16, PingTimeout: 3 * time.Second})
	require.NoError(t, err, "connect test db")

	t.Cleanup(func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "001_init.sql"))
	require.NoError(t, err, "read migrations")
	_, err = db.Exec(ctx, string(sqlBytes))
	require.NoError(t, err, "run migrations")

	return pg.New(db)
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
