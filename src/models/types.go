package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Capability identifies a feature a model supports and a request may require.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbeddings Capability = "embeddings"
	CapabilityVision     Capability = "vision"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Contains reports whether every capability in other is present in s.
func (s CapabilitySet) Contains(other CapabilitySet) bool {
	for c := range other {
		if _, ok := s[c]; !ok {
			return false
		}
	}
	return true
}

// Equal reports whether s and other hold exactly the same capabilities.
func (s CapabilitySet) Equal(other CapabilitySet) bool {
	if len(s) != len(other) {
		return false
	}
	return s.Contains(other)
}

// Slice returns the capabilities in unspecified order.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// MarshalJSON encodes the set as a sorted array of capability names.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	caps := s.Slice()
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return json.Marshal(caps)
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return err
	}
	*s = NewCapabilitySet(caps...)
	return nil
}

// LatencyClass is the declared latency tier of a model. The zero value
// is "unspecified" so a request can omit its max-latency constraint.
type LatencyClass int

const (
	LatencyUnspecified LatencyClass = iota
	LatencyFast
	LatencyStandard
	LatencySlow
)

func (l LatencyClass) String() string {
	switch l {
	case LatencyFast:
		return "fast"
	case LatencyStandard:
		return "standard"
	case LatencySlow:
		return "slow"
	default:
		return "unspecified"
	}
}

// ParseLatencyClass maps a config string to a LatencyClass, defaulting
// to standard for unknown values.
func ParseLatencyClass(s string) LatencyClass {
	switch s {
	case "fast":
		return LatencyFast
	case "slow":
		return LatencySlow
	default:
		return LatencyStandard
	}
}

func (l LatencyClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *LatencyClass) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	// Absent or empty means the request carries no latency constraint.
	if s == "" || s == "unspecified" {
		*l = LatencyUnspecified
		return nil
	}
	*l = ParseLatencyClass(s)
	return nil
}

// ModelDescriptor identifies one (provider, model) pair in the registry.
// Descriptors are immutable once loaded; a registry reload replaces the
// whole snapshot rather than mutating descriptors in place.
type ModelDescriptor struct {
	ID                 string        `json:"id"`
	Provider           string        `json:"provider"`
	Capabilities       CapabilitySet `json:"capabilities"`
	CostPerInputToken  float64       `json:"cost_per_input_token"`
	CostPerOutputToken float64       `json:"cost_per_output_token"`
	MaxContextTokens   int           `json:"max_context_tokens"`
	Latency            LatencyClass  `json:"latency_class"`
	Enabled            bool          `json:"enabled"`
}

// VolatilityClass tags how quickly a request's answer goes stale; it
// selects the cache TTL and comes from the caller, not from inspection.
type VolatilityClass string

const (
	VolatilityStable   VolatilityClass = "stable"
	VolatilityDefault  VolatilityClass = "default"
	VolatilityVolatile VolatilityClass = "volatile"
)

// PayloadKind discriminates the request payload union.
type PayloadKind string

const (
	PayloadChat      PayloadKind = "chat"
	PayloadEmbedding PayloadKind = "embedding"
	PayloadVision    PayloadKind = "vision"
	PayloadRaw       PayloadKind = "raw"
)

// ChatMessage is one turn of a chat payload.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is a tagged union over the known request kinds, with an
// opaque-bytes fallback for payloads the gateway only needs to size.
type Payload struct {
	Kind     PayloadKind   `json:"kind"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Input    string        `json:"input,omitempty"`
	ImageURL string        `json:"image_url,omitempty"`
	Raw      []byte        `json:"raw,omitempty"`
}

// Text flattens the payload into the text the embedder and token
// estimator operate on.
func (p Payload) Text() string {
	switch p.Kind {
	case PayloadChat:
		var b []byte
		for i, m := range p.Messages {
			if i > 0 {
				b = append(b, '\n')
			}
			b = append(b, m.Role...)
			b = append(b, ": "...)
			b = append(b, m.Content...)
		}
		return string(b)
	case PayloadEmbedding, PayloadVision:
		return p.Input
	default:
		return string(p.Raw)
	}
}

// InferenceRequest is one unit of work. It is never mutated after
// creation; downstream annotations are copies.
type InferenceRequest struct {
	RequestID    string        `json:"request_id"`
	CallerID     string        `json:"caller_id"`
	Capabilities CapabilitySet `json:"capabilities"`
	Payload      Payload       `json:"payload"`
	Priority     int           `json:"priority"`
	MaxCostUSD   float64       `json:"max_cost_usd,omitempty"`
	MaxLatency   LatencyClass  `json:"max_latency,omitempty"`

	// Volatility selects the cache TTL class for the stored result.
	Volatility VolatilityClass `json:"volatility,omitempty"`

	Deadline    time.Time `json:"deadline,omitempty"`
	EnqueueTime time.Time `json:"enqueue_time,omitempty"`

	// Temperature and MaxTokens pass through to the provider adapter.
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Expired reports whether the request's deadline has passed at now.
// A zero deadline never expires.
func (r *InferenceRequest) Expired(now time.Time) bool {
	return !r.Deadline.IsZero() && now.After(r.Deadline)
}

// TokenUsage is the token accounting for one provider invocation.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// InferenceResult is produced exactly once per request, either from a
// provider invocation or from the semantic cache.
type InferenceResult struct {
	RequestID string        `json:"request_id"`
	ModelID   string        `json:"model_id"`
	Provider  string        `json:"provider"`
	Output    string        `json:"output"`
	Usage     TokenUsage    `json:"usage"`
	CostUSD   float64       `json:"cost_usd"`
	Latency   time.Duration `json:"latency"`
	CacheHit  bool          `json:"cache_hit"`
	Timestamp time.Time     `json:"timestamp"`
}
