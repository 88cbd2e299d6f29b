package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Quorum modes.
const (
	QuorumMajority = "majority"
	QuorumCount    = "count"
)

// ProviderPolicy declares which detection layers apply to a provider and
// how their results are combined.
type ProviderPolicy struct {
	Layers       []string      `yaml:"layers"`
	QuorumMode   string        `yaml:"quorumMode"`
	MinHealthy   int           `yaml:"minHealthy"`
	LayerTimeout time.Duration `yaml:"layerTimeout"`
}

// DetectionPolicy is the optional YAML policy file. Providers not listed
// fall back to Default.
type DetectionPolicy struct {
	Default   ProviderPolicy            `yaml:"default"`
	Providers map[string]ProviderPolicy `yaml:"providers"`
}

// DefaultDetectionPolicy enables all five layers with a simple-majority
// quorum. The majority default is a policy choice, not a constant of the
// system; deployments weight it per provider via the policy file.
func DefaultDetectionPolicy() DetectionPolicy {
	return DetectionPolicy{
		Default: ProviderPolicy{
			Layers:     []string{"thread", "lineage", "inbox_sweep", "history", "alias"},
			QuorumMode: QuorumMajority,
		},
	}
}

// LoadDetectionPolicy reads the policy file, or returns the defaults when
// path is empty.
func LoadDetectionPolicy(path string) (DetectionPolicy, error) {
	if path == "" {
		return DefaultDetectionPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DetectionPolicy{}, fmt.Errorf("reading policy file: %w", err)
	}
	var p DetectionPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DetectionPolicy{}, fmt.Errorf("parsing policy file: %w", err)
	}
	if len(p.Default.Layers) == 0 {
		p.Default = DefaultDetectionPolicy().Default
	}
	if err := validatePolicy(&p); err != nil {
		return DetectionPolicy{}, fmt.Errorf("validating policy file: %w", err)
	}
	return p, nil
}

// For reports the applicable policy for a provider.
func (p DetectionPolicy) For(provider string) ProviderPolicy {
	if pp, ok := p.Providers[provider]; ok {
		return pp
	}
	return p.Default
}

func validatePolicy(p *DetectionPolicy) error {
	check := func(name string, pp ProviderPolicy) error {
		if len(pp.Layers) == 0 {
			return fmt.Errorf("%s: at least one layer is required", name)
		}
		switch pp.QuorumMode {
		case "", QuorumMajority:
		case QuorumCount:
			if pp.MinHealthy < 1 || pp.MinHealthy > len(pp.Layers) {
				return fmt.Errorf("%s: minHealthy must be in [1,%d]", name, len(pp.Layers))
			}
		default:
			return fmt.Errorf("%s: unknown quorumMode %q", name, pp.QuorumMode)
		}
		return nil
	}
	if err := check("default", p.Default); err != nil {
		return err
	}
	for name, pp := range p.Providers {
		if err := check(name, pp); err != nil {
			return err
		}
	}
	return nil
}
