// Package pricing converts raw consumption into fixed-point microUSD amounts.
//
// Every contributor's USD subtotal is rounded to an integer number of
// microUSD exactly once; from there on only integers are summed.
package pricing

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/usage-meter/internal/usage"
)

const (
	microPerUSD  = 1_000_000
	bytesPerGB   = 1 << 30
	unitsPerRate = 1000
)

// ModelPrice is USD per 1,000 tokens.
type ModelPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

type MinimaxPrice struct {
	Per1KChars float64 `yaml:"per_1k_chars" json:"per_1k_chars"`
}

type BlobPrice struct {
	PerGB float64 `yaml:"per_gb" json:"per_gb"`
}

// Table is the static price table keyed by provider and model.
type Table struct {
	Models  map[string]ModelPrice `yaml:"models" json:"models"`
	Minimax MinimaxPrice          `yaml:"minimax" json:"minimax"`
	Blob    BlobPrice             `yaml:"blob" json:"blob"`
}

// DefaultTable is used when no PRICING_FILE is configured.
func DefaultTable() *Table {
	return &Table{
		Models: map[string]ModelPrice{
			"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
			"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		},
		Minimax: MinimaxPrice{Per1KChars: 0.05},
		Blob:    BlobPrice{PerGB: 0.023},
	}
}

// Parse decodes a YAML price table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse price table: %w", err)
	}
	// An empty document usually means the file was caught mid-write.
	if len(t.Models) == 0 && t.Minimax.Per1KChars == 0 && t.Blob.PerGB == 0 {
		return nil, fmt.Errorf("price table is empty")
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadFile reads and parses a YAML price table from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price table: %w", err)
	}
	return Parse(data)
}

// Validate rejects negative rates, which would break monotonicity.
func (t *Table) Validate() error {
	for model, p := range t.Models {
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return fmt.Errorf("negative price for model %q", model)
		}
	}
	if t.Minimax.Per1KChars < 0 {
		return fmt.Errorf("negative minimax price")
	}
	if t.Blob.PerGB < 0 {
		return fmt.Errorf("negative blob price")
	}
	return nil
}

// lookup finds the price for a model by exact name, then by the longest
// configured prefix, so dated snapshots share their family's price.
func (t *Table) lookup(model string) (ModelPrice, bool) {
	if t == nil || model == "" {
		return ModelPrice{}, false
	}
	if p, ok := t.Models[model]; ok {
		return p, true
	}
	best := ""
	for name := range t.Models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return t.Models[best], true
}

// Calculate prices one call. Unknown models or providers contribute zero.
// Inputs are expected to be non-negative; see CalculateDelta for signed deltas.
func Calculate(t *Table, model string, inputTokens, outputTokens int64, meta *usage.CostMeta) usage.Cost {
	var c usage.Cost
	if t == nil {
		return c
	}

	if p, ok := t.lookup(model); ok {
		usd := float64(inputTokens)/unitsPerRate*p.InputPer1K +
			float64(outputTokens)/unitsPerRate*p.OutputPer1K
		c.OpenAIMicro = toMicro(usd)
	}

	if meta != nil {
		switch meta.Provider {
		case usage.ProviderMinimax:
			c.MinimaxMicro = toMicro(float64(meta.Chars) / unitsPerRate * t.Minimax.Per1KChars)
		case usage.ProviderBlob:
			c.BlobMicro = toMicro(float64(meta.Bytes) / bytesPerGB * t.Blob.PerGB)
		}
	}

	c.TotalMicro = c.OpenAIMicro + c.MinimaxMicro + c.BlobMicro
	return c
}

// CalculateDelta prices a delta whose token fields may be negative, as
// produced by stream reconciliation. Positive and negative parts are priced
// separately so rounding stays symmetric.
func CalculateDelta(t *Table, d usage.Delta, meta *usage.CostMeta) usage.Cost {
	posIn, negIn := split(d.InputTokens)
	posOut, negOut := split(d.OutputTokens)

	cost := Calculate(t, d.Model, posIn, posOut, meta)
	if negIn > 0 || negOut > 0 {
		cost = cost.Add(Calculate(t, d.Model, negIn, negOut, nil).Neg())
	}
	return cost
}

// Running prices a sequence of token deltas for one model against their
// running total. Each Add bills cost(total) minus what was already billed,
// so the billed amounts always sum to the price of the total, however the
// deltas were chunked. It is not safe for concurrent use.
type Running struct {
	model  string
	in     int64
	out    int64
	billed usage.Cost
}

func NewRunning(model string) *Running {
	return &Running{model: model}
}

// Add folds a delta into the running total and returns the cost to bill
// for it. Either side may be negative.
func (r *Running) Add(t *Table, inputTokens, outputTokens int64) usage.Cost {
	r.in += inputTokens
	r.out += outputTokens
	total := Calculate(t, r.model, max(r.in, 0), max(r.out, 0), nil)
	c := total.Add(r.billed.Neg())
	r.billed = total
	return c
}

// Billed is the sum of everything Add has returned.
func (r *Running) Billed() usage.Cost {
	return r.billed
}

func split(v int64) (pos, neg int64) {
	if v < 0 {
		return 0, -v
	}
	return v, 0
}

func toMicro(usd float64) int64 {
	if usd <= 0 || math.IsNaN(usd) || math.IsInf(usd, 0) {
		return 0
	}
	return int64(math.Round(usd * microPerUSD))
}
