package wanas

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// UnknownUserName is shown when a participant has neither a display name nor
// a usable username.
const UnknownUserName = "User"

// DisplayName resolves the name shown for a participant: the explicit
// display name, else one derived from the username, else UnknownUserName.
func DisplayName(p Participant) string {
	if name := participantName(p); name != "" {
		return name
	}
	return UnknownUserName
}

// participantName is DisplayName without the placeholder fallback.
func participantName(p Participant) string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	return nameFromUserName(p.UserName)
}

// nameFromUserName turns "ahmed@mail.com" or "ahmedgmailcom" into "Ahmed".
func nameFromUserName(userName string) string {
	name := strings.TrimSpace(userName)
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(strings.TrimSuffix(name, "gmailcom"))
	if name == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}

// SenderName resolves the name to render next to a message: the name the
// server sent with it, else the sender's participant entry in chat.
func SenderName(chat *Chat, m Message) string {
	if name := strings.TrimSpace(m.SenderName); name != "" {
		return name
	}
	if chat != nil {
		if p, ok := chat.Participant(m.SenderID); ok {
			return DisplayName(p)
		}
	}
	return UnknownUserName
}
