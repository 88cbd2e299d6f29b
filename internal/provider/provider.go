// Package provider defines the mailbox contract the detection core consumes.
// Every backend is treated as fallible, rate-limited, and eventually
// consistent; the core never sees provider wire formats.
package provider

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors layers and the scheduler classify on.
var (
	// ErrAuthExpired means the mailbox's authorization was revoked or
	// expired; jobs for the mailbox fail fast until it is re-authorized.
	ErrAuthExpired = errors.New("mailbox authorization expired")
	// ErrRateLimited means the provider rejected the call for quota; the
	// layer is unhealthy and the job retries with backoff.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrInvalidCursor means the change-stream position is no longer valid
	// and the checkpoint must be re-seeded.
	ErrInvalidCursor = errors.New("history cursor no longer valid")
)

// Message is a provider-neutral view of one mail message. ID is the
// provider's message id; MessageID, InReplyTo, and References carry the
// RFC 5322 threading headers.
type Message struct {
	ID         string
	ThreadID   string
	MessageID  string
	InReplyTo  string
	References []string
	From       string
	To         string
	Cc         string
	Subject    string
	Date       time.Time
	Snippet    string
}

// Query filters a header-based message search. All set fields conjoin.
type Query struct {
	From  []string
	To    string
	After time.Time
	Max   int64
}

// HistoryPage is one bounded page of the provider's change-delta stream.
// NextPosition is the opaque cursor to commit once the page is fully
// processed.
type HistoryPage struct {
	Added        []Message
	NextPosition string
}

// Mailbox is an open handle onto one monitored mailbox.
type Mailbox interface {
	// Address returns the mailbox's own primary address.
	Address() string
	// Thread returns every message in the provider's native conversation
	// grouping for the given thread.
	Thread(ctx context.Context, threadID string) ([]Message, error)
	// Search runs a header-based message lookup.
	Search(ctx context.Context, q Query) ([]Message, error)
	// History reads the change-delta stream from an opaque position. An
	// empty position asks the provider for a fresh starting cursor with no
	// messages.
	History(ctx context.Context, position string, max int64) (HistoryPage, error)
}

// Connector opens mailbox handles for one provider backend.
type Connector interface {
	Name() string
	Open(ctx context.Context, mailbox string) (Mailbox, error)
}

// Registry maps provider names to connectors. Registration is explicit at
// startup; there is no implicit dispatch.
type Registry struct {
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

func (r *Registry) Register(c Connector) {
	r.connectors[c.Name()] = c
}

// Connector returns the connector for a provider name.
func (r *Registry) Connector(name string) (Connector, bool) {
	c, ok := r.connectors[name]
	return c, ok
}
