package detect

import (
	"context"
	"fmt"
	"time"

	"replywatch/internal/models"
	"replywatch/internal/provider"
)

// InboxSweepLayer scans recent inbox messages by sender and recipient
// alone, ignoring threading metadata entirely. It exists because provider
// threading fails: a contact replying from a different client can drop both
// the thread id and the References chain.
type InboxSweepLayer struct{}

func (l *InboxSweepLayer) Name() string { return LayerInboxSweep }

func (l *InboxSweepLayer) Execute(ctx context.Context, mbx provider.Mailbox, in Input) (res models.LayerResult) {
	start := time.Now()
	res = models.LayerResult{Layer: l.Name(), Healthy: true}
	defer finish(&res, start)

	primary := ExtractAddress(in.Contact.Email)
	if primary == "" {
		return res
	}

	q := provider.Query{
		From:  []string{primary},
		To:    in.Outbound.Mailbox,
		After: in.Outbound.SentAt,
	}
	res.QueriesIssued = append(res.QueriesIssued,
		fmt.Sprintf("from:%s to:%s after:%d", primary, in.Outbound.Mailbox, in.Outbound.SentAt.Unix()))

	msgs, err := mbx.Search(ctx, q)
	if err != nil {
		res = failResult(res, err)
		return res
	}
	res.MessagesScanned = len(msgs)

	for _, msg := range msgs {
		if matchesReply(msg, in, []string{primary}) {
			res.Found = true
			res.Evidence = evidenceFrom(msg)
			break
		}
	}
	return res
}
