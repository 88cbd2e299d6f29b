package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replywatch/internal/models"
	"replywatch/internal/provider"
	"replywatch/internal/store"
)

// HistoryLayer consumes the provider's change-delta stream from the
// mailbox's checkpoint forward. It is the only layer touching persistent
// state, and even then indirectly: it returns the advance it wants as part
// of its result and the worker commits it only after the run's findings are
// durable. A crash between scan and commit re-processes the same range,
// which is safe because reply persistence is idempotent.
type HistoryLayer struct {
	Checkpoints *CheckpointCache
	PageSize    int64
}

func (l *HistoryLayer) Name() string { return LayerHistory }

func (l *HistoryLayer) Execute(ctx context.Context, mbx provider.Mailbox, in Input) (res models.LayerResult) {
	start := time.Now()
	res = models.LayerResult{Layer: l.Name(), Healthy: true}
	defer finish(&res, start)

	pageSize := l.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	cp, err := l.Checkpoints.Get(ctx, in.Outbound.Mailbox)
	if errors.Is(err, store.ErrNotFound) {
		// First sync for this mailbox: seed a cursor, scan nothing.
		page, herr := mbx.History(ctx, "", pageSize)
		if herr != nil {
			res = failResult(res, herr)
			return res
		}
		res.QueriesIssued = append(res.QueriesIssued, "history:seed")
		if ierr := l.Checkpoints.Init(ctx, in.Outbound.Mailbox, in.Outbound.Provider, page.NextPosition); ierr != nil {
			res = failResult(res, ierr)
		}
		return res
	}
	if err != nil {
		res = failResult(res, err)
		return res
	}

	res.QueriesIssued = append(res.QueriesIssued, fmt.Sprintf("history:%s", cp.LastPosition))
	page, err := mbx.History(ctx, cp.LastPosition, pageSize)
	if err != nil {
		res = failResult(res, err)
		return res
	}
	res.MessagesScanned = len(page.Added)

	candidates := contactAddresses(in.Contact)
	for _, msg := range page.Added {
		if matchesReply(msg, in, candidates) {
			res.Found = true
			res.Evidence = evidenceFrom(msg)
			break
		}
	}

	// Hand the advance to the worker; committing here would lose any reply
	// in this range if the process died before the run was persisted.
	if page.NextPosition != "" && page.NextPosition != cp.LastPosition {
		res.Checkpoint = &models.CheckpointAdvance{
			Mailbox:      in.Outbound.Mailbox,
			FromPosition: cp.LastPosition,
			ToPosition:   page.NextPosition,
		}
	}
	return res
}
