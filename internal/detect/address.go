package detect

import (
	"net/mail"
	"strings"
	"time"

	"replywatch/internal/models"
	"replywatch/internal/provider"
)

// ExtractAddress unwraps a display-name header value ("Ada L <a@x.io>") to
// the bare address, lowercased. Malformed headers fall back to a trimmed,
// lowercased copy of the raw value.
func ExtractAddress(header string) string {
	if header == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(header); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.TrimSpace(header))
}

// extractAddressList splits a To/Cc header into bare lowercased addresses.
func extractAddressList(header string) []string {
	if header == "" {
		return nil
	}
	if addrs, err := mail.ParseAddressList(header); err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if a := ExtractAddress(p); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// SameAddress compares two addresses for exact, case-insensitive equality
// after display-name decoding.
func SameAddress(a, b string) bool {
	ea, eb := ExtractAddress(a), ExtractAddress(b)
	return ea != "" && ea == eb
}

// StripPlusTag folds "local+tag@domain" onto "local@domain".
func StripPlusTag(addr string) string {
	addr = ExtractAddress(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at:]
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}
	return local + domain
}

// contactAddresses returns the contact's primary address plus aliases,
// lowercased and deduplicated.
func contactAddresses(c models.Contact) []string {
	seen := make(map[string]struct{}, len(c.Aliases)+1)
	out := make([]string, 0, len(c.Aliases)+1)
	add := func(raw string) {
		a := ExtractAddress(raw)
		if a == "" {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	add(c.Email)
	for _, alias := range c.Aliases {
		add(alias)
	}
	return out
}

// matchesReply applies the core match rule: the message must not be the
// outbound message itself, its sender must equal one of the candidate
// contact addresses, its recipients must include the sending mailbox, and it
// must postdate the send.
func matchesReply(msg provider.Message, in Input, candidates []string) bool {
	if msg.ID == "" || msg.ID == in.Outbound.ID {
		return false
	}
	if !msg.Date.IsZero() && msg.Date.Before(in.Outbound.SentAt.Add(-time.Minute)) {
		return false
	}
	from := ExtractAddress(msg.From)
	senderOK := false
	for _, c := range candidates {
		if from == c {
			senderOK = true
			break
		}
	}
	if !senderOK {
		return false
	}
	user := ExtractAddress(in.Outbound.Mailbox)
	for _, rcpt := range extractAddressList(msg.To) {
		if rcpt == user {
			return true
		}
	}
	return false
}
