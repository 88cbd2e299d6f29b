package detect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"replywatch/internal/models"
	"replywatch/internal/provider"
)

func TestExtractAddress(t *testing.T) {
	assert.Equal(t, "ada@example.com", ExtractAddress("Ada Lovelace <Ada@Example.com>"))
	assert.Equal(t, "ada@example.com", ExtractAddress("ada@example.com"))
	assert.Equal(t, "not-an-address", ExtractAddress("  not-an-address "))
	assert.Equal(t, "", ExtractAddress(""))
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("Ada <ada@example.com>", "ADA@EXAMPLE.COM"))
	assert.False(t, SameAddress("ada@example.com", "eve@example.com"))
	assert.False(t, SameAddress("", ""))
}

func TestStripPlusTag(t *testing.T) {
	assert.Equal(t, "ada@example.com", StripPlusTag("ada+newsletters@example.com"))
	assert.Equal(t, "ada@example.com", StripPlusTag("ada@example.com"))
	// A leading plus is part of the local part, not a tag.
	assert.Equal(t, "+ada@example.com", StripPlusTag("+ada@example.com"))
	assert.Equal(t, "no-domain", StripPlusTag("no-domain"))
}

func TestContactAddressesDedup(t *testing.T) {
	c := models.Contact{
		Email:   "Ada <ada@example.com>",
		Aliases: []string{"ADA@example.com", "ada+work@example.com"},
	}
	assert.Equal(t, []string{"ada@example.com", "ada+work@example.com"}, contactAddresses(c))
}

func matchInput() Input {
	return Input{
		Outbound: models.OutboundMessage{
			ID:      "out-1",
			Mailbox: "me@corp.io",
			SentAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
		Contact: models.Contact{Email: "ada@example.com"},
	}
}

func TestMatchesReply(t *testing.T) {
	in := matchInput()
	candidates := contactAddresses(in.Contact)

	reply := provider.Message{
		ID:   "in-1",
		From: "Ada <ada@example.com>",
		To:   "me@corp.io",
		Date: in.Outbound.SentAt.Add(time.Hour),
	}
	assert.True(t, matchesReply(reply, in, candidates))

	// The outbound message itself is never a reply.
	self := reply
	self.ID = "out-1"
	assert.False(t, matchesReply(self, in, candidates))

	// Predating the send disqualifies the message.
	old := reply
	old.Date = in.Outbound.SentAt.Add(-time.Hour)
	assert.False(t, matchesReply(old, in, candidates))

	// Wrong sender.
	stranger := reply
	stranger.From = "eve@example.com"
	assert.False(t, matchesReply(stranger, in, candidates))

	// Not addressed to the sending mailbox.
	elsewhere := reply
	elsewhere.To = "other@corp.io"
	assert.False(t, matchesReply(elsewhere, in, candidates))

	// Mailbox buried in a recipient list still matches.
	cc := reply
	cc.To = "team@corp.io, Me <me@corp.io>"
	assert.True(t, matchesReply(cc, in, candidates))
}

func TestMatchesReplyClockSkewTolerance(t *testing.T) {
	in := matchInput()
	candidates := contactAddresses(in.Contact)
	// Within a minute before the send: tolerated as clock skew.
	skewed := provider.Message{
		ID:   "in-2",
		From: "ada@example.com",
		To:   "me@corp.io",
		Date: in.Outbound.SentAt.Add(-30 * time.Second),
	}
	assert.True(t, matchesReply(skewed, in, candidates))
}
