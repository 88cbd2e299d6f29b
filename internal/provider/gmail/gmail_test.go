package gmail

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"replywatch/internal/provider"
)

func TestBuildQuery(t *testing.T) {
	after := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	q := buildQuery(provider.Query{
		From:  []string{"ada@example.com"},
		To:    "me@corp.io",
		After: after,
	})
	assert.Equal(t, "from:ada@example.com to:me@corp.io after:1785585600 in:inbox", q)

	multi := buildQuery(provider.Query{
		From: []string{"ada@example.com", "ada+work@example.com"},
	})
	assert.Equal(t, "from:(ada@example.com OR ada+work@example.com) in:inbox", multi)

	assert.Equal(t, "in:inbox", buildQuery(provider.Query{}))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		code    int
		message string
		want    error
	}{
		{401, "unauthorized", provider.ErrAuthExpired},
		{429, "too many requests", provider.ErrRateLimited},
		{403, "Rate Limit Exceeded", provider.ErrRateLimited},
		{403, "User quota exceeded", provider.ErrRateLimited},
		{403, "forbidden", provider.ErrAuthExpired},
		{404, "history id not found", provider.ErrInvalidCursor},
	}
	for _, tc := range cases {
		err := classify(&googleapi.Error{Code: tc.code, Message: tc.message})
		assert.ErrorIs(t, err, tc.want, "code %d message %q", tc.code, tc.message)
	}

	// Unmapped codes pass through unchanged.
	raw := &googleapi.Error{Code: 500, Message: "backend"}
	assert.Equal(t, error(raw), classify(raw))

	// Non-API errors pass through too, even when wrapped.
	plain := errors.New("dial tcp: timeout")
	assert.Equal(t, plain, classify(plain))
	assert.Nil(t, classify(nil))
}

func TestClassifyRevokedRefreshToken(t *testing.T) {
	revoked := fmt.Errorf("refresh token: %w", &oauth2.RetrieveError{
		ErrorCode:        "invalid_grant",
		ErrorDescription: "Token has been expired or revoked.",
	})
	assert.ErrorIs(t, classify(revoked), provider.ErrAuthExpired)

	denied := &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusUnauthorized},
	}
	assert.ErrorIs(t, classify(denied), provider.ErrAuthExpired)

	// A token endpoint outage is not an expired credential.
	outage := &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusServiceUnavailable},
	}
	assert.Equal(t, error(outage), classify(outage))
}

func TestToMessage(t *testing.T) {
	msg := &gm.Message{
		Id:       "in-1",
		ThreadId: "t-1",
		Snippet:  "sounds good, see you then",
		Payload: &gm.MessagePart{Headers: []*gm.MessagePartHeader{
			{Name: "From", Value: "Ada Lovelace <ada@example.com>"},
			{Name: "To", Value: "me@corp.io"},
			{Name: "Subject", Value: "Re: proposal"},
			{Name: "Date", Value: "Sat, 01 Aug 2026 13:00:00 +0000"},
			{Name: "Message-ID", Value: "<reply-1@example.com>"},
			{Name: "In-Reply-To", Value: "<msg-1@corp.io>"},
			{Name: "References", Value: "<root@corp.io> <msg-1@corp.io>"},
		}},
	}
	got := toMessage(msg)
	assert.Equal(t, "in-1", got.ID)
	assert.Equal(t, "t-1", got.ThreadID)
	assert.Equal(t, "<reply-1@example.com>", got.MessageID)
	assert.Equal(t, "<msg-1@corp.io>", got.InReplyTo)
	assert.Equal(t, []string{"<root@corp.io>", "<msg-1@corp.io>"}, got.References)
	assert.Equal(t, "Ada Lovelace <ada@example.com>", got.From)
	assert.Equal(t, time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC).Unix(), got.Date.Unix())
}

func TestParseDateFallsBackToInternal(t *testing.T) {
	internal := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC).UnixMilli()
	got := parseDate("not a date", internal)
	assert.Equal(t, internal, got.UnixMilli())

	assert.True(t, parseDate("", 0).IsZero())
}

func TestHeaderMapNilPayload(t *testing.T) {
	assert.Empty(t, headerMap(nil))
}
