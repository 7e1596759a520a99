package ws

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pagesense/server/collab"
	"github.com/pagesense/server/session"
)

// mockBackend stands in for every collaborator the coordinator talks to.
type mockBackend struct {
	mu sync.Mutex

	answerErr    error
	summarizeErr error

	answerCalls  int
	extractCalls int
}

func (m *mockBackend) Extract(ctx context.Context, url, html string) (collab.ExtractResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractCalls++
	return collab.ExtractResult{Chunks: []session.PageChunk{{ID: "c1", Text: "chunk"}}}, nil
}

func (m *mockBackend) ExtractPDF(ctx context.Context, url string) (collab.ExtractResult, error) {
	return m.Extract(ctx, url, "")
}

func (m *mockBackend) Summarize(ctx context.Context, req collab.SummarizeRequest) (collab.SummarizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.summarizeErr != nil {
		return collab.SummarizeResult{}, m.summarizeErr
	}
	return collab.SummarizeResult{Summary: "mock summary"}, nil
}

func (m *mockBackend) Answer(ctx context.Context, req collab.AnswerRequest) (collab.AnswerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answerCalls++
	if m.answerErr != nil {
		return collab.AnswerResult{}, m.answerErr
	}
	return collab.AnswerResult{Answer: "mock answer", Confidence: 0.8}, nil
}

func (m *mockBackend) Compare(ctx context.Context, req collab.CompareRequest) (collab.CompareResult, error) {
	return collab.CompareResult{Answer: "mock comparison", PagesAnalyzed: req.URLs}, nil
}

func (m *mockBackend) List(ctx context.Context) ([]session.Chat, error) {
	return nil, nil
}

func (m *mockBackend) Create(ctx context.Context, title string) (session.Chat, error) {
	return session.Chat{ID: uuid.NewString(), Title: title}, nil
}

func (m *mockBackend) Delete(ctx context.Context, chatID string) error {
	return nil
}

func (m *mockBackend) Rename(ctx context.Context, chatID, title string) error {
	return nil
}

var (
	_ collab.Extractor   = (*mockBackend)(nil)
	_ collab.Summarizer  = (*mockBackend)(nil)
	_ collab.Answerer    = (*mockBackend)(nil)
	_ collab.ChatService = (*mockBackend)(nil)
)
