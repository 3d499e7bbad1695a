package util

import (
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used to parse numbers that carry no country code.
var DefaultRegion = "US"

// NormalizePhone returns p in E.164 form. ok is false when p is not a
// plausible phone number.
func NormalizePhone(p string) (string, bool) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", false
	}
	num, err := phonenumbers.Parse(p, DefaultRegion)
	if err != nil || !phonenumbers.IsPossibleNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// PhoneOrRaw normalizes p and falls back to the trimmed input.
func PhoneOrRaw(p string) string {
	if e164, ok := NormalizePhone(p); ok {
		return e164
	}
	return strings.TrimSpace(p)
}

func NormalizeEmail(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// Very simple {var} replacement. Keep templateId -> templateBody mapping in DB/config.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
