package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replywatch/internal/models"
	"replywatch/internal/provider"
)

// fakeMailbox is a canned provider.Mailbox.
type fakeMailbox struct {
	address    string
	thread     []provider.Message
	threadErr  error
	search     []provider.Message
	searchErr  error
	history    provider.HistoryPage
	historyErr error

	searchQueries    []provider.Query
	historyPositions []string
}

func (m *fakeMailbox) Address() string { return m.address }

func (m *fakeMailbox) Thread(_ context.Context, _ string) ([]provider.Message, error) {
	return m.thread, m.threadErr
}

func (m *fakeMailbox) Search(_ context.Context, q provider.Query) ([]provider.Message, error) {
	m.searchQueries = append(m.searchQueries, q)
	return m.search, m.searchErr
}

func (m *fakeMailbox) History(_ context.Context, position string, _ int64) (provider.HistoryPage, error) {
	m.historyPositions = append(m.historyPositions, position)
	return m.history, m.historyErr
}

func layerInput() Input {
	return Input{
		Outbound: models.OutboundMessage{
			ID:              "out-1",
			Mailbox:         "me@corp.io",
			Provider:        "gmail",
			ThreadID:        "t-1",
			RFC822MessageID: "<msg-1@corp.io>",
			SentAt:          time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		},
		Contact: models.Contact{
			Email:   "ada@example.com",
			Aliases: []string{"ada+work@example.com"},
		},
	}
}

func replyMessage() provider.Message {
	return provider.Message{
		ID:        "in-1",
		ThreadID:  "t-1",
		MessageID: "<reply-1@example.com>",
		From:      "Ada <ada@example.com>",
		To:        "me@corp.io",
		Date:      time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC),
	}
}

func TestThreadLayerFindsReply(t *testing.T) {
	in := layerInput()
	mbx := &fakeMailbox{address: "me@corp.io", thread: []provider.Message{
		{ID: "out-1", From: "me@corp.io", To: "ada@example.com", Date: in.Outbound.SentAt},
		replyMessage(),
	}}

	res := (&ThreadLayer{}).Execute(context.Background(), mbx, in)
	assert.True(t, res.Healthy)
	assert.True(t, res.Found)
	require.NotNil(t, res.Evidence)
	assert.Equal(t, "in-1", res.Evidence.ProviderMessageID)
	assert.Equal(t, 2, res.MessagesScanned)
}

func TestThreadLayerNoThreadIDStillHealthy(t *testing.T) {
	in := layerInput()
	in.Outbound.ThreadID = ""
	res := (&ThreadLayer{}).Execute(context.Background(), &fakeMailbox{}, in)
	assert.True(t, res.Healthy)
	assert.False(t, res.Found)
	assert.Empty(t, res.QueriesIssued)
}

func TestThreadLayerProviderError(t *testing.T) {
	mbx := &fakeMailbox{threadErr: provider.ErrRateLimited}
	res := (&ThreadLayer{}).Execute(context.Background(), mbx, layerInput())
	assert.False(t, res.Healthy)
	assert.False(t, res.Found)
	assert.Equal(t, models.ErrKindRateLimit, res.ErrorKind)
	assert.NotEmpty(t, res.Error)
}

func TestLineageLayerFollowsReferences(t *testing.T) {
	in := layerInput()
	chained := replyMessage()
	chained.References = []string{"<other@x>", "<msg-1@corp.io>"}
	unrelated := replyMessage()
	unrelated.ID = "in-2"

	mbx := &fakeMailbox{search: []provider.Message{unrelated, chained}}
	res := (&LineageLayer{}).Execute(context.Background(), mbx, in)
	assert.True(t, res.Found)
	assert.Equal(t, "in-1", res.Evidence.ProviderMessageID)
}

func TestLineageLayerInReplyTo(t *testing.T) {
	in := layerInput()
	chained := replyMessage()
	chained.InReplyTo = "<msg-1@corp.io>"
	mbx := &fakeMailbox{search: []provider.Message{chained}}
	res := (&LineageLayer{}).Execute(context.Background(), mbx, in)
	assert.True(t, res.Found)
}

func TestLineageLayerNoMessageID(t *testing.T) {
	in := layerInput()
	in.Outbound.RFC822MessageID = ""
	mbx := &fakeMailbox{search: []provider.Message{replyMessage()}}
	res := (&LineageLayer{}).Execute(context.Background(), mbx, in)
	assert.True(t, res.Healthy)
	assert.False(t, res.Found)
	assert.Empty(t, mbx.searchQueries)
}

func TestInboxSweepIgnoresThreading(t *testing.T) {
	in := layerInput()
	// No thread id, no References: only sender/recipient/date match.
	bare := provider.Message{
		ID:   "in-9",
		From: "ada@example.com",
		To:   "me@corp.io",
		Date: in.Outbound.SentAt.Add(2 * time.Hour),
	}
	mbx := &fakeMailbox{search: []provider.Message{bare}}
	res := (&InboxSweepLayer{}).Execute(context.Background(), mbx, in)
	assert.True(t, res.Found)

	// The sweep queries the primary address only.
	require.Len(t, mbx.searchQueries, 1)
	assert.Equal(t, []string{"ada@example.com"}, mbx.searchQueries[0].From)
}

func TestAliasLayerMatchesPlusTag(t *testing.T) {
	in := layerInput()
	tagged := replyMessage()
	tagged.From = "ada+conference@example.com"
	mbx := &fakeMailbox{search: []provider.Message{tagged}}

	res := (&AliasLayer{}).Execute(context.Background(), mbx, in)
	assert.True(t, res.Found)
	assert.Equal(t, "in-1", res.Evidence.ProviderMessageID)
}

func TestAliasLayerQueriesFoldedCandidates(t *testing.T) {
	in := layerInput()
	mbx := &fakeMailbox{}
	(&AliasLayer{}).Execute(context.Background(), mbx, in)
	require.Len(t, mbx.searchQueries, 1)
	assert.Equal(t, []string{"ada@example.com", "ada+work@example.com"}, mbx.searchQueries[0].From)
}

func TestLayerResultsCarryDuration(t *testing.T) {
	res := (&ThreadLayer{}).Execute(context.Background(), &fakeMailbox{thread: []provider.Message{replyMessage()}}, layerInput())
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
}
