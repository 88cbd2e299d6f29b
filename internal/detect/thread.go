package detect

import (
	"context"
	"errors"
	"time"

	"replywatch/internal/models"
	"replywatch/internal/provider"
)

// ThreadLayer asks whether the provider's native conversation grouping for
// the sent message now contains a message from the contact that the user
// did not author.
type ThreadLayer struct{}

func (l *ThreadLayer) Name() string { return LayerThread }

func (l *ThreadLayer) Execute(ctx context.Context, mbx provider.Mailbox, in Input) (res models.LayerResult) {
	start := time.Now()
	res = models.LayerResult{Layer: l.Name(), Healthy: true}
	defer finish(&res, start)

	if in.Outbound.ThreadID == "" {
		// No thread reference on file: nothing to scan, still healthy.
		return res
	}

	query := "thread:" + in.Outbound.ThreadID
	res.QueriesIssued = append(res.QueriesIssued, query)

	msgs, err := mbx.Thread(ctx, in.Outbound.ThreadID)
	if err != nil {
		res = failResult(res, err)
		return res
	}
	res.MessagesScanned = len(msgs)

	candidates := contactAddresses(in.Contact)
	for _, msg := range msgs {
		if matchesReply(msg, in, candidates) {
			res.Found = true
			res.Evidence = evidenceFrom(msg)
			break
		}
	}
	return res
}

// failResult converts a provider error into an unhealthy result, keeping
// whatever scanning bookkeeping already accumulated.
func failResult(res models.LayerResult, err error) models.LayerResult {
	res.Healthy = false
	res.Found = false
	res.Error = err.Error()
	res.ErrorKind = classifyKind(err)
	return res
}

func classifyKind(err error) string {
	switch {
	case errors.Is(err, provider.ErrAuthExpired):
		return models.ErrKindAuth
	case errors.Is(err, provider.ErrRateLimited):
		return models.ErrKindRateLimit
	default:
		return models.ErrKindTransient
	}
}
