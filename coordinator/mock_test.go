package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pagesense/server/collab"
	"github.com/pagesense/server/session"
)

// fakeBackend implements every collaborator interface with canned results
// and per-method call counters, so tests can assert that capacity checks
// fire before any external call.
type fakeBackend struct {
	mu sync.Mutex

	extractCalls    int
	extractPDFCalls int
	summarizeCalls  int
	answerCalls     int
	compareCalls    int
	listCalls       int
	createCalls     int
	deleteCalls     int
	renameCalls     int

	extractErr   error
	summarizeErr error
	answerErr    error
	compareErr   error
	createErr    error
	deleteErr    error
	listErr      error

	chunks        []session.PageChunk
	summary       string
	answer        string
	remoteChats   []session.Chat
	lastAnswerReq collab.AnswerRequest
	lastCompare   collab.CompareRequest
	lastSummarize collab.SummarizeRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chunks:  []session.PageChunk{{ID: "c1", Text: "chunk one"}},
		summary: "a summary",
		answer:  "an answer",
	}
}

func (f *fakeBackend) Extract(ctx context.Context, url, html string) (collab.ExtractResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls++
	if f.extractErr != nil {
		return collab.ExtractResult{}, f.extractErr
	}
	return collab.ExtractResult{Chunks: f.chunks}, nil
}

func (f *fakeBackend) ExtractPDF(ctx context.Context, url string) (collab.ExtractResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractPDFCalls++
	if f.extractErr != nil {
		return collab.ExtractResult{}, f.extractErr
	}
	return collab.ExtractResult{Chunks: f.chunks}, nil
}

func (f *fakeBackend) Summarize(ctx context.Context, req collab.SummarizeRequest) (collab.SummarizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarizeCalls++
	f.lastSummarize = req
	if f.summarizeErr != nil {
		return collab.SummarizeResult{}, f.summarizeErr
	}
	return collab.SummarizeResult{Summary: f.summary}, nil
}

func (f *fakeBackend) Answer(ctx context.Context, req collab.AnswerRequest) (collab.AnswerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCalls++
	f.lastAnswerReq = req
	if f.answerErr != nil {
		return collab.AnswerResult{}, f.answerErr
	}
	return collab.AnswerResult{Answer: f.answer, Confidence: 0.9}, nil
}

func (f *fakeBackend) Compare(ctx context.Context, req collab.CompareRequest) (collab.CompareResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compareCalls++
	f.lastCompare = req
	if f.compareErr != nil {
		return collab.CompareResult{}, f.compareErr
	}
	return collab.CompareResult{Answer: f.answer, PagesAnalyzed: req.URLs}, nil
}

func (f *fakeBackend) List(ctx context.Context) ([]session.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.remoteChats, nil
}

func (f *fakeBackend) Create(ctx context.Context, title string) (session.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return session.Chat{}, f.createErr
	}
	return session.Chat{ID: uuid.NewString(), Title: title}, nil
}

func (f *fakeBackend) Delete(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeBackend) Rename(ctx context.Context, chatID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameCalls++
	return nil
}

func (f *fakeBackend) calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch name {
	case "extract":
		return f.extractCalls
	case "extractPDF":
		return f.extractPDFCalls
	case "summarize":
		return f.summarizeCalls
	case "answer":
		return f.answerCalls
	case "compare":
		return f.compareCalls
	case "create":
		return f.createCalls
	case "delete":
		return f.deleteCalls
	}
	panic(fmt.Sprintf("unknown counter %q", name))
}

var (
	_ collab.Extractor   = (*fakeBackend)(nil)
	_ collab.Summarizer  = (*fakeBackend)(nil)
	_ collab.Answerer    = (*fakeBackend)(nil)
	_ collab.ChatService = (*fakeBackend)(nil)
)
