package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limits caps consumption within one period. Zero means unlimited.
type Limits struct {
	Tokens int64            `yaml:"tokens" json:"tokens"`
	Models map[string]int64 `yaml:"models" json:"models,omitempty"`
}

// Policy is the per-tier quota configuration plus the local hour at which a
// free-tier day rolls over.
type Policy struct {
	ResetHour  int    `yaml:"reset_hour" json:"reset_hour"`
	Free       Limits `yaml:"free" json:"free"`
	Subscribed Limits `yaml:"subscribed" json:"subscribed"`
}

func DefaultPolicy() *Policy {
	return &Policy{
		ResetHour:  5,
		Free:       Limits{Tokens: 20_000},
		Subscribed: Limits{Tokens: 2_000_000},
	}
}

func (p *Policy) Validate() error {
	if p.ResetHour < 0 || p.ResetHour > 23 {
		return fmt.Errorf("reset_hour must be in [0, 23], got %d", p.ResetHour)
	}
	for _, l := range []Limits{p.Free, p.Subscribed} {
		if l.Tokens < 0 {
			return fmt.Errorf("token limit must not be negative")
		}
		for model, v := range l.Models {
			if v < 0 {
				return fmt.Errorf("limit for model %q must not be negative", model)
			}
		}
	}
	return nil
}

// LimitsFor returns the limits that apply to a scope.
func (p *Policy) LimitsFor(scope Scope) Limits {
	if scope == ScopeSubscription {
		return p.Subscribed
	}
	return p.Free
}

func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse quota policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read quota policy: %w", err)
	}
	return ParsePolicy(data)
}
