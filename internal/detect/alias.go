package detect

import (
	"context"
	"fmt"
	"time"

	"replywatch/internal/models"
	"replywatch/internal/provider"
)

// AliasLayer matches against every historical address known for the
// contact: explicit aliases on file plus plus-tag variants folded onto
// their base address. Contacts routinely reply from a tagged or forwarded
// address that the primary-address layers never see.
type AliasLayer struct{}

func (l *AliasLayer) Name() string { return LayerAlias }

func (l *AliasLayer) Execute(ctx context.Context, mbx provider.Mailbox, in Input) (res models.LayerResult) {
	start := time.Now()
	res = models.LayerResult{Layer: l.Name(), Healthy: true}
	defer finish(&res, start)

	candidates := aliasCandidates(in.Contact)
	if len(candidates) == 0 {
		return res
	}

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
		if aliasMatches(msg, in, candidates) {
			res.Found = true
			res.Evidence = evidenceFrom(msg)
			break
		}
	}
	return res
}

// aliasCandidates is the full candidate set including plus-tag base forms.
func aliasCandidates(c models.Contact) []string {
	base := contactAddresses(c)
	seen := make(map[string]struct{}, len(base)*2)
	out := make([]string, 0, len(base)*2)
	for _, a := range base {
		for _, v := range []string{a, StripPlusTag(a)} {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// aliasMatches is matchesReply with plus-tag folding applied to the sender.
func aliasMatches(msg provider.Message, in Input, candidates []string) bool {
	if matchesReply(msg, in, candidates) {
		return true
	}
	folded := msg
	folded.From = StripPlusTag(msg.From)
	return matchesReply(folded, in, candidates)
}
