package detect

import (
	"replywatch/internal/config"
	"replywatch/internal/models"
)

// QuorumPolicy decides how many healthy layers a run needs before its
// verdict is trusted. The default is a simple majority of the applicable
// layers; a fixed minimum can be configured per provider.
type QuorumPolicy struct {
	Mode       string
	MinHealthy int
}

// Threshold returns the healthy-layer count required for n applicable
// layers.
func (p QuorumPolicy) Threshold(n int) int {
	if n == 0 {
		return 0
	}
	if p.Mode == config.QuorumCount && p.MinHealthy > 0 {
		if p.MinHealthy > n {
			return n
		}
		return p.MinHealthy
	}
	return n/2 + 1
}

// Evaluate reduces one run's layer results to a single verdict. ReplyFound
// is true only when quorum is met AND at least one healthy layer found a
// reply: a reply seen only by failed layers is never trusted, which blocks
// false positives from a malfunctioning layer without demanding unanimity.
func (p QuorumPolicy) Evaluate(results []models.LayerResult) models.QuorumResult {
	out := models.QuorumResult{
		HealthyLayers: []string{},
		FoundLayers:   []string{},
		FailedLayers:  []string{},
	}
	for _, r := range results {
		if r.Healthy {
			out.HealthyLayers = append(out.HealthyLayers, r.Layer)
			if r.Found {
				out.FoundLayers = append(out.FoundLayers, r.Layer)
			}
		} else {
			out.FailedLayers = append(out.FailedLayers, r.Layer)
		}
	}
	out.QuorumMet = len(out.HealthyLayers) >= p.Threshold(len(results)) && len(results) > 0
	out.ReplyFound = out.QuorumMet && len(out.FoundLayers) > 0
	return out
}

// BestEvidence picks the evidence to persist from the layers that found the
// reply, preferring earlier (higher-precision) layers in result order.
func BestEvidence(results []models.LayerResult) (*models.ReplyEvidence, string) {
	for _, r := range results {
		if r.Healthy && r.Found && r.Evidence != nil {
			return r.Evidence, r.Layer
		}
	}
	return nil, ""
}
