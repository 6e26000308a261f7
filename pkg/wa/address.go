package wa

import (
	"strings"
	"unicode"
)

const (
	DefaultUserServer = "s.whatsapp.net"
	StatusBroadcast   = "status@broadcast"
)

// CanonicalAddress turns a phone number or JID into the address form used on
// the wire. Bare numbers lose every non-digit and gain the user server;
// anything that already names a server is returned untouched. An input with
// no digits and no server yields "".
func CanonicalAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "@") {
		return raw
	}
	digits := DigitsOnly(raw)
	if digits == "" {
		return ""
	}
	return digits + "@" + DefaultUserServer
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// UserPart returns the portion of a JID before the server, without any device
// suffix.
func UserPart(jid string) string {
	user := jid
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}
