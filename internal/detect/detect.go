// Package detect holds the detection layers and the quorum rule that decide
// whether an outbound message has received a reply.
package detect

import (
	"context"
	"time"

	"replywatch/internal/config"
	"replywatch/internal/models"
	"replywatch/internal/provider"
)

// Layer names. The registry wires them per provider; the scheduler never
// references individual layers.
const (
	LayerThread     = "thread"
	LayerLineage    = "lineage"
	LayerInboxSweep = "inbox_sweep"
	LayerHistory    = "history"
	LayerAlias      = "alias"
)

// Input is everything a layer needs to look for a reply to one outbound
// message.
type Input struct {
	Outbound models.OutboundMessage
	Contact  models.Contact
}

// Layer is a single detection strategy. Execute never returns an error:
// infrastructure failures are reported as healthy=false inside the result.
// Layers are independent, safe to run in any order or in parallel, and
// read-only against the provider.
type Layer interface {
	Name() string
	Execute(ctx context.Context, mbx provider.Mailbox, in Input) models.LayerResult
}

// Registry holds the explicit per-provider layer sets and quorum policies.
type Registry struct {
	policy config.DetectionPolicy
	layers map[string]Layer
}

// NewRegistry builds the layer set from the detection policy. The history
// layer is the only one carrying state (the checkpoint cache).
func NewRegistry(policy config.DetectionPolicy, checkpoints *CheckpointCache, historyPageSize int64) *Registry {
	all := []Layer{
		&ThreadLayer{},
		&LineageLayer{},
		&InboxSweepLayer{},
		&HistoryLayer{Checkpoints: checkpoints, PageSize: historyPageSize},
		&AliasLayer{},
	}
	r := &Registry{policy: policy, layers: make(map[string]Layer, len(all))}
	for _, l := range all {
		r.layers[l.Name()] = l
	}
	return r
}

// LayersFor returns the layers the policy enables for a provider, in policy
// order. Unknown layer names are skipped.
func (r *Registry) LayersFor(providerName string) []Layer {
	pp := r.policy.For(providerName)
	out := make([]Layer, 0, len(pp.Layers))
	for _, name := range pp.Layers {
		if l, ok := r.layers[name]; ok {
			out = append(out, l)
		}
	}
	return out
}

// QuorumFor returns the quorum policy for a provider.
func (r *Registry) QuorumFor(providerName string) QuorumPolicy {
	pp := r.policy.For(providerName)
	return QuorumPolicy{Mode: pp.QuorumMode, MinHealthy: pp.MinHealthy}
}

// LayerTimeoutFor returns the per-layer timeout for a provider, or def when
// the policy leaves it unset.
func (r *Registry) LayerTimeoutFor(providerName string, def time.Duration) time.Duration {
	if t := r.policy.For(providerName).LayerTimeout; t > 0 {
		return t
	}
	return def
}

// evidenceFrom captures a matched message as reply evidence.
func evidenceFrom(msg provider.Message) *models.ReplyEvidence {
	return &models.ReplyEvidence{
		ProviderMessageID: msg.ID,
		ThreadID:          msg.ThreadID,
		RFC822MessageID:   msg.MessageID,
		From:              ExtractAddress(msg.From),
		To:                ExtractAddress(msg.To),
		ReceivedAt:        msg.Date,
	}
}

// finish stamps the layer duration.
func finish(res *models.LayerResult, start time.Time) {
	res.DurationMs = time.Since(start).Milliseconds()
}
