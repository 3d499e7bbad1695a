package domain

import "strings"

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelDM    Channel = "dm"
	ChannelCall  Channel = "call"
	ChannelWeb   Channel = "web"
)

func ParseChannel(raw string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(raw)))
	if !c.IsValid() {
		return "", Validation("unknown channel %q", raw)
	}
	return c, nil
}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelDM, ChannelCall, ChannelWeb:
		return true
	default:
		return false
	}
}

// IsPhone reports whether addresses on this channel are phone numbers.
func (c Channel) IsPhone() bool {
	return c == ChannelSMS || c == ChannelCall
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type ThreadStatus string

const (
	ThreadOpen     ThreadStatus = "open"
	ThreadPending  ThreadStatus = "pending"
	ThreadClosed   ThreadStatus = "closed"
	ThreadArchived ThreadStatus = "archived"
)

// CurrentThreadStatuses are the statuses a thread may have and still be
// picked as the current thread for its (contact, channel).
var CurrentThreadStatuses = []ThreadStatus{ThreadOpen, ThreadPending, ThreadClosed}

type ParticipantType string

const (
	ParticipantContact ParticipantType = "contact"
	ParticipantSystem  ParticipantType = "system"
	ParticipantTeam    ParticipantType = "team"
)

// Metadata keys stamped on system-generated outbound messages.
const (
	MetaSystem     = "system"
	MetaAutomation = "automation"
	MetaDedupeKey  = "dedupeKey"
)

// PreviewLimit bounds the thread's last message preview.
const PreviewLimit = 160

// Preview returns the first PreviewLimit runes of body with whitespace collapsed.
func Preview(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	r := []rune(s)
	if len(r) <= PreviewLimit {
		return s
	}
	return string(r[:PreviewLimit])
}
