// Package gmail adapts the Gmail API to the provider.Mailbox contract using
// google.golang.org/api/gmail/v1.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"replywatch/internal/provider"
)

const ProviderName = "gmail"

var metadataHeaders = []string{"From", "To", "Cc", "Subject", "Date", "Message-ID", "In-Reply-To", "References"}

// Connector opens Gmail mailboxes from per-account credential directories
// (<credentialsDir>/<address>/credentials.json + token.json).
type Connector struct {
	credentialsDir string
}

func NewConnector(credentialsDir string) *Connector {
	return &Connector{credentialsDir: credentialsDir}
}

func (c *Connector) Name() string { return ProviderName }

func (c *Connector) Open(ctx context.Context, mailbox string) (provider.Mailbox, error) {
	svc, err := loadService(ctx, c.credentialsDir, mailbox)
	if err != nil {
		return nil, fmt.Errorf("open gmail mailbox %s: %w", mailbox, classify(err))
	}
	return &gmailMailbox{svc: svc, address: mailbox}, nil
}

type gmailMailbox struct {
	svc     *gm.Service
	address string
}

func (m *gmailMailbox) Address() string { return m.address }

// Thread returns the native conversation grouping for a thread id.
func (m *gmailMailbox) Thread(ctx context.Context, threadID string) ([]provider.Message, error) {
	thread, err := m.svc.Users.Threads.Get("me", threadID).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, classify(err))
	}
	msgs := make([]provider.Message, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		msgs = append(msgs, toMessage(msg))
	}
	return msgs, nil
}

// Search lists messages matching the query, then resolves threading headers
// per message.
func (m *gmailMailbox) Search(ctx context.Context, q provider.Query) ([]provider.Message, error) {
	max := q.Max
	if max == 0 {
		max = 50
	}
	resp, err := m.svc.Users.Messages.List("me").
		Q(buildQuery(q)).
		MaxResults(max).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", classify(err))
	}

	msgs := make([]provider.Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		detail, err := m.svc.Users.Messages.Get("me", ref.Id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).
			Do()
		if err != nil {
			// Skip individual message failures.
			continue
		}
		msgs = append(msgs, toMessage(detail))
	}
	return msgs, nil
}

// History consumes the change-delta stream. An empty position returns the
// mailbox's current history id as a fresh cursor with no messages.
func (m *gmailMailbox) History(ctx context.Context, position string, max int64) (provider.HistoryPage, error) {
	if position == "" {
		profile, err := m.svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return provider.HistoryPage{}, fmt.Errorf("get profile: %w", classify(err))
		}
		return provider.HistoryPage{NextPosition: strconv.FormatUint(profile.HistoryId, 10)}, nil
	}

	startID, err := strconv.ParseUint(position, 10, 64)
	if err != nil {
		return provider.HistoryPage{}, fmt.Errorf("parse history position %q: %w", position, provider.ErrInvalidCursor)
	}
	if max == 0 {
		max = 100
	}
	resp, err := m.svc.Users.History.List("me").
		StartHistoryId(startID).
		HistoryTypes("messageAdded").
		MaxResults(max).
		Context(ctx).
		Do()
	if err != nil {
		return provider.HistoryPage{}, fmt.Errorf("list history from %s: %w", position, classify(err))
	}

	page := provider.HistoryPage{NextPosition: position}
	if resp.HistoryId > 0 {
		page.NextPosition = strconv.FormatUint(resp.HistoryId, 10)
	}
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil {
				continue
			}
			detail, err := m.svc.Users.Messages.Get("me", added.Message.Id).
				Format("metadata").
				MetadataHeaders(metadataHeaders...).
				Context(ctx).
				Do()
			if err != nil {
				continue
			}
			page.Added = append(page.Added, toMessage(detail))
		}
	}
	return page, nil
}

// buildQuery renders a provider.Query as a Gmail search expression.
func buildQuery(q provider.Query) string {
	var parts []string
	if len(q.From) == 1 {
		parts = append(parts, "from:"+q.From[0])
	} else if len(q.From) > 1 {
		parts = append(parts, "from:("+strings.Join(q.From, " OR ")+")")
	}
	if q.To != "" {
		parts = append(parts, "to:"+q.To)
	}
	if !q.After.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", q.After.Unix()))
	}
	parts = append(parts, "in:inbox")
	return strings.Join(parts, " ")
}

func toMessage(msg *gm.Message) provider.Message {
	headers := headerMap(msg.Payload)
	return provider.Message{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		MessageID:  headers["Message-ID"],
		InReplyTo:  headers["In-Reply-To"],
		References: strings.Fields(headers["References"]),
		From:       headers["From"],
		To:         headers["To"],
		Cc:         headers["Cc"],
		Subject:    headers["Subject"],
		Date:       parseDate(headers["Date"], msg.InternalDate),
		Snippet:    msg.Snippet,
	}
}

// headerMap converts Gmail API headers into a simple key-value map.
func headerMap(payload *gm.MessagePart) map[string]string {
	m := make(map[string]string)
	if payload == nil {
		return m
	}
	for _, h := range payload.Headers {
		m[h.Name] = h.Value
	}
	return m
}

func parseDate(header string, internalMs int64) time.Time {
	if header != "" {
		if t, err := mail.ParseDate(header); err == nil {
			return t
		}
	}
	if internalMs > 0 {
		return time.UnixMilli(internalMs)
	}
	return time.Time{}
}

// classify maps Gmail API and token-endpoint failures onto the provider's
// sentinel errors so layers and the scheduler can react without knowing the
// wire format.
func classify(err error) error {
	if err == nil {
		return nil
	}
	// A revoked or expired refresh token surfaces from the token endpoint
	// as invalid_grant, not as an API error.
	var tokenErr *oauth2.RetrieveError
	if errors.As(err, &tokenErr) {
		if tokenErr.ErrorCode == "invalid_grant" ||
			(tokenErr.Response != nil && (tokenErr.Response.StatusCode == http.StatusBadRequest ||
				tokenErr.Response.StatusCode == http.StatusUnauthorized)) {
			return fmt.Errorf("%w: %v", provider.ErrAuthExpired, err)
		}
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return fmt.Errorf("%w: %v", provider.ErrAuthExpired, err)
		case 429:
			return fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
		case 403:
			if strings.Contains(strings.ToLower(apiErr.Message), "rate") ||
				strings.Contains(strings.ToLower(apiErr.Message), "quota") {
				return fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
			}
			return fmt.Errorf("%w: %v", provider.ErrAuthExpired, err)
		case 404:
			// History cursors expire; Gmail reports them as not found.
			return fmt.Errorf("%w: %v", provider.ErrInvalidCursor, err)
		}
	}
	return err
}
