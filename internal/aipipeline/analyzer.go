// Package aipipeline is the boundary to the external image-analysis and
// listing-draft model service. The engine calls it synchronously when an item
// enters AI_PROCESSING, or through a Dispatcher when async processing is
// enabled.
package aipipeline

import (
	"context"
	"errors"
	"fmt"
)

// Adapter failure classes. Every error returned by an Analyzer wraps one of
// these so callers can map it without inspecting transport details.
var (
	ErrAIUnavailable = errors.New("ai service unavailable")
	ErrAITimeout     = errors.New("ai service timed out")
)

// Analysis is the structured result of looking at an item's photo.
type Analysis struct {
	Labels     []string       `json:"labels,omitempty"`
	Category   string         `json:"category,omitempty"`
	Condition  string         `json:"condition,omitempty"`
	Brand      string         `json:"brand,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ListingDraft is the generated listing copy.
type ListingDraft struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Category       string   `json:"category,omitempty"`
	Condition      string   `json:"condition,omitempty"`
	Brand          string   `json:"brand,omitempty"`
	SuggestedPrice float64  `json:"suggested_price,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// Analyzer is the AI sub-pipeline contract.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, photoRef string) (Analysis, error)
	GenerateListing(ctx context.Context, analysis Analysis, category, condition string) (ListingDraft, error)
}

// Classify maps an arbitrary adapter error onto ErrAITimeout or
// ErrAIUnavailable. Context deadline errors count as timeouts.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAITimeout), errors.Is(err, ErrAIUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrAITimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrAIUnavailable, err)
	}
}

// Run executes the full sub-pipeline for one photo: analysis, then listing
// generation seeded with the item's current category and condition when the
// analysis did not produce them.
func Run(ctx context.Context, a Analyzer, photoRef, category, condition string) (Analysis, ListingDraft, error) {
	analysis, err := a.AnalyzeImage(ctx, photoRef)
	if err != nil {
		return Analysis{}, ListingDraft{}, Classify(err)
	}
	if category == "" {
		category = analysis.Category
	}
	if condition == "" {
		condition = analysis.Condition
	}
	draft, err := a.GenerateListing(ctx, analysis, category, condition)
	if err != nil {
		return analysis, ListingDraft{}, Classify(err)
	}
	return analysis, draft, nil
}

// Changes flattens a draft into the item content keys it populates. Empty
// fields are omitted so they never erase content a human already entered.
func (d ListingDraft) Changes() map[string]any {
	out := make(map[string]any, 7)
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	put("title", d.Title)
	put("description", d.Description)
	put("category", d.Category)
	put("condition", d.Condition)
	put("brand", d.Brand)
	if d.SuggestedPrice > 0 {
		out["suggested_price"] = d.SuggestedPrice
	}
	if len(d.Tags) > 0 {
		tags := make([]any, len(d.Tags))
		for i, t := range d.Tags {
			tags[i] = t
		}
		out["tags"] = tags
	}
	return out
}
