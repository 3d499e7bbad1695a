package pg

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"msgpipe/internal/domain"
)

// fakeRow feeds scanMessage the column values in messageColumns order.
type fakeRow struct{ vals []any }

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(r.vals))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *string:
			*d = r.vals[i].(string)
		case *[]byte:
			if r.vals[i] != nil {
				*d = r.vals[i].([]byte)
			}
		case *time.Time:
			*d = r.vals[i].(time.Time)
		case **time.Time:
			if r.vals[i] != nil {
				t := r.vals[i].(time.Time)
				*d = &t
			}
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func messageRow(media, addresses, metadata string) fakeRow {
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return fakeRow{vals: []any{
		"msg_1", "thr_1", "ptc_1", "outbound", "sms", "hi", "",
		[]byte(media), []byte(addresses), "twilio", "SM1", "queued",
		[]byte(metadata), created, nil, nil,
	}}
}

func TestScanMessageDecodesJSONColumns(t *testing.T) {
	m, err := scanMessage(messageRow(`["https://x/1.jpg"]`, `{"to":"+14045550100"}`, `{"dedupeKey":"k1"}`))
	require.NoError(t, err)
	require.Equal(t, domain.StatusQueued, m.DeliveryStatus)
	require.Equal(t, []string{"https://x/1.jpg"}, m.MediaURLs)
	require.Equal(t, "+14045550100", m.Addresses.To)
	require.Equal(t, "k1", m.DedupeKey())
	require.Nil(t, m.SentAt)
}

func TestScanMessageRejectsMalformedJSON(t *testing.T) {
	for name, row := range map[string]fakeRow{
		"media_urls": messageRow(`{"not":"a list"}`, `{}`, `{}`),
		"addresses":  messageRow(`[]`, `"nope"`, `{}`),
		"metadata":   messageRow(`[]`, `{}`, `["dedupeKey"]`),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := scanMessage(row)
			require.Error(t, err)
			require.Contains(t, err.Error(), "decode "+name)
			require.Contains(t, err.Error(), "msg_1")
		})
	}
}
