package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	PrefixMessage     = "msg_"
	PrefixThread      = "thr_"
	PrefixParticipant = "ptc_"
	PrefixTask        = "tsk_"
	PrefixEvent       = "evt_"
	PrefixContact     = "ctc_"
)

// New returns prefix followed by a ULID. ULIDs sort by creation time, which
// keeps b-tree inserts append-mostly.
func New(prefix string) string {
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewMessageID() string     { return New(PrefixMessage) }
func NewThreadID() string      { return New(PrefixThread) }
func NewParticipantID() string { return New(PrefixParticipant) }
func NewTaskID() string        { return New(PrefixTask) }
func NewEventID() string       { return New(PrefixEvent) }
func NewContactID() string     { return New(PrefixContact) }
