package detect

import (
	"context"
	"fmt"
	"time"

	"replywatch/internal/models"
	"replywatch/internal/provider"
)

// LineageLayer follows RFC 5322 threading headers: a reply is any message
// whose In-Reply-To or References chain leads back to the outbound
// message's Message-ID. This catches replies even when the provider's own
// conversation grouping breaks.
type LineageLayer struct{}

func (l *LineageLayer) Name() string { return LayerLineage }

func (l *LineageLayer) Execute(ctx context.Context, mbx provider.Mailbox, in Input) (res models.LayerResult) {
	start := time.Now()
	res = models.LayerResult{Layer: l.Name(), Healthy: true}
	defer finish(&res, start)

	if in.Outbound.RFC822MessageID == "" {
		return res
	}

	candidates := contactAddresses(in.Contact)
	q := provider.Query{
		From:  candidates,
		To:    in.Outbound.Mailbox,
		After: in.Outbound.SentAt,
	}
	res.QueriesIssued = append(res.QueriesIssued,
		fmt.Sprintf("from:%v to:%s after:%d", candidates, in.Outbound.Mailbox, in.Outbound.SentAt.Unix()))

	msgs, err := mbx.Search(ctx, q)
	if err != nil {
		res = failResult(res, err)
		return res
	}
	res.MessagesScanned = len(msgs)

	for _, msg := range msgs {
		if !chainsTo(msg, in.Outbound.RFC822MessageID) {
			continue
		}
		if matchesReply(msg, in, candidates) {
			res.Found = true
			res.Evidence = evidenceFrom(msg)
			break
		}
	}
	return res
}

// chainsTo reports whether the message's threading headers reference the
// given Message-ID.
func chainsTo(msg provider.Message, messageID string) bool {
	if msg.InReplyTo == messageID {
		return true
	}
	for _, ref := range msg.References {
		if ref == messageID {
			return true
		}
	}
	return false
}
