// Package usage holds the value types that flow through the metering pipeline.
package usage

import (
	"errors"
	"fmt"
)

// ErrInvalidIdentity is returned when an aggregate identity carries both or
// neither of its dimensions. It signals a caller defect.
var ErrInvalidIdentity = errors.New("usage: identity must set exactly one of subscription id or period key")

// Provider tags a cost contributor.
type Provider string

const (
	ProviderOpenAI  Provider = "openai"
	ProviderMinimax Provider = "minimax" // speech synthesis, billed per character
	ProviderBlob    Provider = "blob"    // object storage writes, billed per byte
)

// CostMeta is the tagged union attached to an ingress call. Chars is only
// meaningful for minimax and Bytes only for blob.
type CostMeta struct {
	Provider Provider `json:"provider"`
	Chars    int64    `json:"chars,omitempty"`
	Bytes    int64    `json:"bytes,omitempty"`
}

// Delta is one unit of consumption. It is never persisted as its own row.
type Delta struct {
	UserID       string
	Provider     Provider
	Model        string
	InputTokens  int64
	OutputTokens int64
	Chars        int64
	Bytes        int64
}

func (d Delta) TotalTokens() int64 {
	return d.InputTokens + d.OutputTokens
}

// Cost is a monetary amount split by contributor, in microUSD.
type Cost struct {
	OpenAIMicro  int64 `json:"openai_micro"`
	MinimaxMicro int64 `json:"minimax_micro"`
	BlobMicro    int64 `json:"blob_micro"`
	TotalMicro   int64 `json:"total_micro"`
}

func (c Cost) Add(o Cost) Cost {
	return Cost{
		OpenAIMicro:  c.OpenAIMicro + o.OpenAIMicro,
		MinimaxMicro: c.MinimaxMicro + o.MinimaxMicro,
		BlobMicro:    c.BlobMicro + o.BlobMicro,
		TotalMicro:   c.TotalMicro + o.TotalMicro,
	}
}

func (c Cost) Neg() Cost {
	return Cost{
		OpenAIMicro:  -c.OpenAIMicro,
		MinimaxMicro: -c.MinimaxMicro,
		BlobMicro:    -c.BlobMicro,
		TotalMicro:   -c.TotalMicro,
	}
}

// Identity names the aggregate row a delta is folded into: a subscription
// period or a free-tier day.
type Identity struct {
	SubscriptionID string
	PeriodKey      string
}

func (i Identity) Validate() error {
	if (i.SubscriptionID == "") == (i.PeriodKey == "") {
		return fmt.Errorf("%w (subscription=%q period=%q)", ErrInvalidIdentity, i.SubscriptionID, i.PeriodKey)
	}
	return nil
}

func (i Identity) IsSubscription() bool {
	return i.SubscriptionID != ""
}

func (i Identity) String() string {
	if i.IsSubscription() {
		return "subscription:" + i.SubscriptionID
	}
	return "period:" + i.PeriodKey
}

// Caller is the identity supplied by the authentication layer.
type Caller struct {
	UserID    string
	Timezone  string
	IPAddress string
}
