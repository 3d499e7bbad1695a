package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Sign computes the X-Twilio-Signature for a form POST to fullURL.
func Sign(authToken, fullURL string, form url.Values) string {
	// Build: fullURL + concatenated sorted key + value
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		// Twilio uses first value for each key in typical webhooks
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	if provided == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(authToken, fullURL, form)), []byte(provided))
}

// StatusCallback is the part of a message status webhook the pipeline reads.
type StatusCallback struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
}

func ParseStatusCallback(form url.Values) (StatusCallback, bool) {
	cb := StatusCallback{
		MessageSid:    firstOf(form, "MessageSid", "SmsSid"),
		MessageStatus: strings.ToLower(firstOf(form, "MessageStatus", "SmsStatus")),
		ErrorCode:     form.Get("ErrorCode"),
	}
	return cb, cb.MessageSid != "" && cb.MessageStatus != ""
}

// Inbound is an incoming message webhook.
type Inbound struct {
	MessageSid string
	From       string
	To         string
	Body       string
	MediaURLs  []string
}

func ParseInbound(form url.Values) (Inbound, bool) {
	in := Inbound{
		MessageSid: firstOf(form, "MessageSid", "SmsMessageSid", "SmsSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Body:       form.Get("Body"),
	}
	n, _ := strconv.Atoi(form.Get("NumMedia"))
	for i := 0; i < n; i++ {
		if u := form.Get("MediaUrl" + strconv.Itoa(i)); u != "" {
			in.MediaURLs = append(in.MediaURLs, u)
		}
	}
	return in, in.MessageSid != "" && in.From != ""
}

func firstOf(form url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(form.Get(k)); v != "" {
			return v
		}
	}
	return ""
}
