// Package collab defines the narrow contracts for the hosted AI backend:
// content extraction, summarization, question answering, and chat CRUD.
// The coordinator consumes these interfaces only; the HTTP implementations
// live in this package, fakes live next to the tests that use them.
package collab

import (
	"context"
	"errors"

	"github.com/pagesense/server/session"
)

var (
	// ErrUnauthenticated means no usable bearer credential; surfaced as a
	// login prompt, never silently retried.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnavailable is any network or backend failure on a generation call.
	ErrUnavailable = errors.New("collaborator unavailable")

	// ErrExtractionFailed means the extractor could not produce chunks for
	// a page; generation requests depending on it fail with the same kind.
	ErrExtractionFailed = errors.New("extraction failed")
)

// Summary styles accepted by the summarization service.
const (
	StyleShort  = "short"
	StyleLong   = "long"
	StyleBullet = "bullet"
)

// Token bounds for summarization, clamped client-side to the backend's
// accepted range.
const (
	MinSummaryTokens     = 50
	MaxSummaryTokens     = 2048
	DefaultSummaryTokens = 512
)

// ValidStyle reports whether style names a supported summary style.
func ValidStyle(style string) bool {
	switch style {
	case StyleShort, StyleLong, StyleBullet:
		return true
	}
	return false
}

// ClampTokens forces a token budget into the backend's accepted range,
// substituting the default for zero.
func ClampTokens(n int) int {
	if n == 0 {
		return DefaultSummaryTokens
	}
	if n < MinSummaryTokens {
		return MinSummaryTokens
	}
	if n > MaxSummaryTokens {
		return MaxSummaryTokens
	}
	return n
}

// ExtractResult is the extraction service's output for one page.
type ExtractResult struct {
	Chunks []session.PageChunk `json:"text_chunks"`
	Title  string              `json:"title,omitempty"`
	Meta   map[string]any      `json:"meta,omitempty"`
}

// Extractor turns raw page markup into text chunks. PDF URLs use a
// distinct entry point with the same chunk shape.
type Extractor interface {
	Extract(ctx context.Context, url, html string) (ExtractResult, error)
	ExtractPDF(ctx context.Context, url string) (ExtractResult, error)
}

// SummarizeRequest carries one page's chunks to the summarization service.
type SummarizeRequest struct {
	Chunks    []session.PageChunk `json:"chunks"`
	Style     string              `json:"summary_style"`
	MaxTokens int                 `json:"max_tokens"`
	ChatID    string              `json:"chat_id,omitempty"`
}

type SummarizeResult struct {
	Summary        string                    `json:"summary"`
	Sources        []session.SourceReference `json:"sources"`
	CostEstimate   float64                   `json:"cost_estimate"`
	ResponseTimeMS int                       `json:"response_time_ms"`
}

type Summarizer interface {
	Summarize(ctx context.Context, req SummarizeRequest) (SummarizeResult, error)
}

// ChatMessage is the role/content pair the QA service accepts as history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnswerRequest carries a question plus the aggregated multi-page chunk set.
type AnswerRequest struct {
	Question string              `json:"question"`
	Chunks   []session.PageChunk `json:"chunks"`
	ChatID   string              `json:"chat_id,omitempty"`
	History  []ChatMessage       `json:"chat_history,omitempty"`
}

type AnswerResult struct {
	Answer         string                    `json:"answer"`
	Sources        []session.SourceReference `json:"sources"`
	Confidence     float64                   `json:"confidence"`
	ResponseTimeMS int                       `json:"response_time_ms"`
}

// CompareRequest is the multi-page QA variant: explicit URLs instead of
// pre-extracted chunks.
type CompareRequest struct {
	Question string   `json:"question"`
	URLs     []string `json:"urls"`
	ChatID   string   `json:"chat_id,omitempty"`
}

type CompareResult struct {
	Answer         string                    `json:"answer"`
	Sources        []session.SourceReference `json:"sources"`
	PagesAnalyzed  []string                  `json:"pages_analyzed"`
	ResponseTimeMS int                       `json:"response_time_ms"`
}

type Answerer interface {
	Answer(ctx context.Context, req AnswerRequest) (AnswerResult, error)
	Compare(ctx context.Context, req CompareRequest) (CompareResult, error)
}

// ChatService is CRUD over chat records; the backend enforces the same
// ceilings the local store checks first.
type ChatService interface {
	List(ctx context.Context) ([]session.Chat, error)
	Create(ctx context.Context, title string) (session.Chat, error)
	Delete(ctx context.Context, chatID string) error
	Rename(ctx context.Context, chatID, title string) error
}
