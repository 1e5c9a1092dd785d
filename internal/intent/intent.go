// Package intent classifies weather questions and decides whether they can
// be answered from stored embeddings or need a live provider call.
package intent

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/ppirong/townly-sub003/internal/metrics"
	"github.com/ppirong/townly-sub003/internal/models"
)

const (
	MethodPattern = "pattern"
	MethodLLM     = "llm"

	DefaultLLMThreshold = 0.7
)

// Intent is what a weather question asks for.
type Intent struct {
	Type       models.Granularity `json:"type"`
	Date       string             `json:"date"`             // YYYY-MM-DD, canonical zone
	DateTo     string             `json:"dateTo,omitempty"` // set for ranges such as "this week"
	Location   string             `json:"location,omitempty"`
	Confidence float64            `json:"confidence"`
	Method     string             `json:"method"`
	Keywords   []string           `json:"keywords,omitempty"`
}

// LLM classifies questions the patterns are unsure about.
type LLM interface {
	Classify(ctx context.Context, query string, now time.Time) (Intent, error)
}

type Classifier struct {
	patterns  *Patterns
	llm       LLM
	threshold float64
	now       func() time.Time
}

type Option func(*Classifier)

// WithLLM enables the slow path for results below threshold.
func WithLLM(llm LLM, threshold float64) Option {
	return func(c *Classifier) {
		c.llm = llm
		if threshold > 0 {
			c.threshold = threshold
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		patterns:  NewPatterns(),
		threshold: DefaultLLMThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs the pattern matcher and, when it is unsure and an LLM is
// configured, asks the LLM. An LLM failure keeps the pattern result.
// fallbackLocation is used when the question names no place.
func (c *Classifier) Classify(ctx context.Context, query, fallbackLocation string) Intent {
	now := c.now()
	in := c.patterns.Match(query, now)

	if c.llm != nil && in.Confidence < c.threshold {
		llmIntent, err := c.llm.Classify(ctx, query, now)
		if err != nil {
			log.Printf("intent: llm classification failed, keeping pattern result: %v", err)
		} else if llmIntent.Confidence > in.Confidence {
			if llmIntent.Location == "" {
				llmIntent.Location = in.Location
			}
			llmIntent.Keywords = in.Keywords
			in = llmIntent
		}
	}

	if in.Location == "" {
		in.Location = fallbackLocation
	}
	in.Confidence = clamp(in.Confidence)
	metrics.IntentClassifications.WithLabelValues(in.Method).Inc()
	return in
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
