// Package coordinator hosts the long-lived session authority. It is the
// only writer of the session store; UI surfaces reach it through message
// passing and receive a full state snapshot after every mutation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pagesense/server/aggregate"
	"github.com/pagesense/server/collab"
	"github.com/pagesense/server/rpc"
	"github.com/pagesense/server/session"
	"github.com/sourcegraph/jsonrpc2"
)

// Collaborators bundles the external services the coordinator forwards to.
type Collaborators struct {
	Extractor  collab.Extractor
	Summarizer collab.Summarizer
	Answerer   collab.Answerer
	Chats      collab.ChatService
}

// Coordinator owns the session store and the subscriber registry.
//
// Outbound collaborator calls run on the coordinator's own context, not
// the requesting surface's: a tab closed mid-request must not cancel the
// mutation, because the state has to stay correct for other surfaces.
type Coordinator struct {
	store  *session.FileStore
	collab Collaborators

	// Serializes chat-list mutations (create/delete/switch/rename/reset)
	// so concurrent requests cannot race past the chat ceiling.
	opMu sync.Mutex

	// Per-chat locks serialize generation requests for the same chat so
	// two surfaces cannot race past the message ceiling or interleave
	// half-finished exchanges. Reads are never blocked by these.
	chatMu    sync.Mutex
	chatLocks map[string]*sync.Mutex

	subsMu sync.Mutex
	subs   []*jsonrpc2.Conn

	ctx    context.Context
	cancel context.CancelFunc
}

func New(store *session.FileStore, collabs Collaborators) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     store,
		collab:    collabs,
		chatLocks: make(map[string]*sync.Mutex),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Startup reconciles the local chat cache with the remote chat service's
// authoritative list. A backend failure here is logged and tolerated; the
// persisted local cache keeps serving until the backend comes back.
func (c *Coordinator) Startup() error {
	chats, err := c.collab.Chats.List(c.ctx)
	if err != nil {
		slog.Warn("chat reconciliation failed, serving local cache", "error", err)
		return nil
	}

	if err := c.store.SetChats(chats); err != nil {
		return err
	}
	slog.Info("chat list reconciled", "chats", len(chats))
	return nil
}

// Shutdown cancels in-flight collaborator calls.
func (c *Coordinator) Shutdown() {
	c.cancel()
}

// Subscribe registers a surface's connection for snapshot broadcasts.
func (c *Coordinator) Subscribe(conn *jsonrpc2.Conn) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, existing := range c.subs {
		if existing == conn {
			return
		}
	}
	c.subs = append(c.subs, conn)
	slog.Debug("surface subscribed", "totalSubs", len(c.subs))
}

// Unsubscribe removes a surface's connection.
func (c *Coordinator) Unsubscribe(conn *jsonrpc2.Conn) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	next := make([]*jsonrpc2.Conn, 0, len(c.subs))
	for _, existing := range c.subs {
		if existing != conn {
			next = append(next, existing)
		}
	}
	c.subs = next
	slog.Debug("surface unsubscribed", "totalSubs", len(c.subs))
}

// Broadcast pushes the current snapshot to every subscribed surface.
func (c *Coordinator) Broadcast() {
	c.subsMu.Lock()
	conns := make([]*jsonrpc2.Conn, len(c.subs))
	copy(conns, c.subs)
	c.subsMu.Unlock()

	params := rpc.StateParams{State: c.store.Snapshot()}
	for _, conn := range conns {
		if err := conn.Notify(c.ctx, "session.state", params); err != nil {
			slog.Debug("snapshot notify failed", "error", err)
		}
	}
}

// Session returns a consistent point-in-time snapshot.
func (c *Coordinator) Session() session.State {
	return c.store.Snapshot()
}

// SetSession merges a partial update a surface computed locally, persists,
// and broadcasts.
func (c *Coordinator) SetSession(patch session.Patch) (session.State, error) {
	if err := c.store.Merge(patch); err != nil {
		return session.State{}, err
	}
	c.Broadcast()
	return c.store.Snapshot(), nil
}

// CreateChat creates a chat, enforcing the chat ceiling locally before the
// remote creation call is issued.
func (c *Coordinator) CreateChat(title string) (session.Chat, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.store.CanAddChat(); err != nil {
		return session.Chat{}, err
	}

	if title == "" {
		title = "New Chat"
	}
	chat, err := c.collab.Chats.Create(c.ctx, title)
	if err != nil {
		return session.Chat{}, err
	}
	if chat.CreatedAt.IsZero() {
		now := time.Now()
		chat.CreatedAt = now
		chat.UpdatedAt = now
	}

	if err := c.store.AddChat(chat); err != nil {
		return session.Chat{}, err
	}

	slog.Info("chat created", "chatId", chat.ID, "title", chat.Title)
	c.Broadcast()
	return chat, nil
}

// DeleteChat removes a chat remotely and locally, cascading its ledgers.
// The replacement current chat is the most recently updated survivor.
func (c *Coordinator) DeleteChat(chatID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.collab.Chats.Delete(c.ctx, chatID); err != nil {
		return err
	}

	next, err := c.store.RemoveChat(chatID)
	if err != nil {
		return err
	}
	c.dropChatLock(chatID)

	slog.Info("chat deleted", "chatId", chatID, "nextChatId", next)
	c.Broadcast()
	return nil
}

// SwitchChat changes the current chat.
func (c *Coordinator) SwitchChat(chatID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.store.SetCurrentChat(chatID); err != nil {
		return err
	}
	c.Broadcast()
	return nil
}

// RenameChat updates a chat title remotely and locally.
func (c *Coordinator) RenameChat(chatID, title string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.collab.Chats.Rename(c.ctx, chatID, title); err != nil {
		return err
	}
	if err := c.store.RenameChat(chatID, title); err != nil {
		return err
	}
	c.Broadcast()
	return nil
}

// Chats lists chats, most recently updated first.
func (c *Coordinator) Chats() []session.Chat {
	return c.store.Chats()
}

// History returns one chat's ledgers.
func (c *Coordinator) History(chatID string) (rpc.ChatHistoryResult, error) {
	for _, chat := range c.store.Chats() {
		if chat.ID == chatID {
			return rpc.ChatHistoryResult{
				Chat:      chat,
				Summaries: c.store.SummariesFor(chatID),
				Messages:  c.store.MessagesFor(chatID),
			}, nil
		}
	}
	return rpc.ChatHistoryResult{}, session.ErrChatNotFound
}

// Reset clears the whole session on logout. New commands block for the
// duration; there is nothing to resume afterwards.
func (c *Coordinator) Reset() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.store.Reset(); err != nil {
		return err
	}
	c.chatMu.Lock()
	c.chatLocks = make(map[string]*sync.Mutex)
	c.chatMu.Unlock()
	slog.Info("session reset")
	c.Broadcast()
	return nil
}

func (c *Coordinator) chatLock(chatID string) *sync.Mutex {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()
	mu, ok := c.chatLocks[chatID]
	if !ok {
		mu = &sync.Mutex{}
		c.chatLocks[chatID] = mu
	}
	return mu
}

// dropChatLock releases the lock entry for a chat that no longer exists. A
// holder of the old mutex finishes undisturbed; any later request for the
// same id gets a fresh one.
func (c *Coordinator) dropChatLock(chatID string) {
	c.chatMu.Lock()
	delete(c.chatLocks, chatID)
	c.chatMu.Unlock()
}

// RequestSummary extracts the page if it is not cached, forwards its
// chunks to the summarization service, and appends the result to the
// chat's summary log. Summarization failures come back to the caller as a
// structured error; nothing is written to the ledger.
func (c *Coordinator) RequestSummary(chatID, pageURL, pageTitle, style string, maxTokens int, html string) (session.SummaryEntry, error) {
	if style == "" {
		style = collab.StyleShort
	}
	if !collab.ValidStyle(style) {
		return session.SummaryEntry{}, fmt.Errorf("unknown summary style %q", style)
	}

	mu := c.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	if err := c.store.HasChat(chatID); err != nil {
		return session.SummaryEntry{}, err
	}

	log := slog.With("chatId", chatID, "pageUrl", pageURL)

	chunks, err := c.ensurePage(pageURL, html)
	if err != nil {
		log.Warn("summary request failed", "error", err)
		return session.SummaryEntry{}, err
	}

	result, err := c.collab.Summarizer.Summarize(c.ctx, collab.SummarizeRequest{
		Chunks:    chunks,
		Style:     style,
		MaxTokens: collab.ClampTokens(maxTokens),
		ChatID:    chatID,
	})
	if err != nil {
		log.Warn("summarization failed", "error", err)
		return session.SummaryEntry{}, err
	}

	entry := session.SummaryEntry{
		PageURL:   session.NormalizeURL(pageURL),
		PageTitle: pageTitle,
		Summary:   result.Summary,
		Sources:   result.Sources,
		Timestamp: time.Now(),
	}
	if err := c.store.AppendSummary(chatID, entry); err != nil {
		return session.SummaryEntry{}, err
	}

	log.Info("summary appended", "responseTimeMs", result.ResponseTimeMS)
	c.Broadcast()
	return entry, nil
}

// RequestAnswer answers a question with the union of content from every
// page the chat has discussed plus the page currently being viewed.
// Capacity for the full user+assistant exchange is checked before any
// network call. A QA collaborator failure is recorded as an assistant-role
// error entry so the conversation record stays coherent.
func (c *Coordinator) RequestAnswer(chatID, question, pageURL, pageTitle, html string) ([]session.MessageEntry, error) {
	mu := c.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	if err := c.store.CanAppendMessages(chatID, 2); err != nil {
		return nil, err
	}

	log := slog.With("chatId", chatID)
	messages := c.store.MessagesFor(chatID)

	pages := aggregate.PageOrder(messages, pageURL)
	for _, page := range aggregate.Missing(pages, c.store.GetPage) {
		if _, err := c.ensurePage(page, htmlFor(page, pageURL, html)); err != nil {
			log.Warn("context extraction failed", "pageUrl", page, "error", err)
			return nil, err
		}
	}
	chunks := aggregate.ChunkSet(pages, c.store.GetPage)

	userEntry := session.MessageEntry{
		Role:      session.RoleUser,
		Content:   question,
		PageURL:   session.NormalizeURL(pageURL),
		PageTitle: pageTitle,
		Timestamp: time.Now(),
	}

	result, err := c.collab.Answerer.Answer(c.ctx, collab.AnswerRequest{
		Question: question,
		Chunks:   chunks,
		ChatID:   chatID,
		History:  chatHistory(messages),
	})
	if err != nil {
		if errors.Is(err, collab.ErrUnauthenticated) {
			return nil, err
		}
		return c.appendErrorExchange(chatID, userEntry, err)
	}

	assistantEntry := session.MessageEntry{
		Role:       session.RoleAssistant,
		Content:    result.Answer,
		PageURL:    userEntry.PageURL,
		PageTitle:  pageTitle,
		Kind:       session.KindAnswer,
		Sources:    result.Sources,
		Confidence: result.Confidence,
		Timestamp:  time.Now(),
	}
	entries := []session.MessageEntry{userEntry, assistantEntry}
	if err := c.store.AppendMessages(chatID, entries...); err != nil {
		return nil, err
	}

	log.Info("answer appended", "pages", len(pages), "chunks", len(chunks), "responseTimeMs", result.ResponseTimeMS)
	c.Broadcast()
	return entries, nil
}

// RequestCompare answers a question across 2..5 explicit pages using the
// QA service's multi-page variant.
func (c *Coordinator) RequestCompare(chatID, question string, pageURLs []string) ([]session.MessageEntry, error) {
	if len(pageURLs) < 2 {
		return nil, fmt.Errorf("at least 2 page urls are required for comparison")
	}
	if len(pageURLs) > 5 {
		return nil, fmt.Errorf("at most 5 pages can be compared at once")
	}

	mu := c.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	if err := c.store.CanAppendMessages(chatID, 2); err != nil {
		return nil, err
	}

	urls := make([]string, len(pageURLs))
	for i, raw := range pageURLs {
		urls[i] = session.NormalizeURL(raw)
	}

	userEntry := session.MessageEntry{
		Role:      session.RoleUser,
		Content:   question,
		Kind:      session.KindMultiPage,
		Pages:     urls,
		Timestamp: time.Now(),
	}

	result, err := c.collab.Answerer.Compare(c.ctx, collab.CompareRequest{
		Question: question,
		URLs:     urls,
		ChatID:   chatID,
	})
	if err != nil {
		if errors.Is(err, collab.ErrUnauthenticated) {
			return nil, err
		}
		return c.appendErrorExchange(chatID, userEntry, err)
	}

	assistantEntry := session.MessageEntry{
		Role:      session.RoleAssistant,
		Content:   result.Answer,
		Kind:      session.KindMultiPage,
		Sources:   result.Sources,
		Pages:     result.PagesAnalyzed,
		Timestamp: time.Now(),
	}
	entries := []session.MessageEntry{userEntry, assistantEntry}
	if err := c.store.AppendMessages(chatID, entries...); err != nil {
		return nil, err
	}

	slog.Info("comparison appended", "chatId", chatID, "pages", len(urls))
	c.Broadcast()
	return entries, nil
}

// appendErrorExchange records a failed generation as the user's question
// plus one assistant-role error entry, keeping the conversation coherent
// instead of silently dropping the question.
func (c *Coordinator) appendErrorExchange(chatID string, userEntry session.MessageEntry, cause error) ([]session.MessageEntry, error) {
	slog.Warn("generation failed", "chatId", chatID, "error", cause)

	errorEntry := session.MessageEntry{
		Role:      session.RoleAssistant,
		Content:   "Sorry, I couldn't get an answer: " + cause.Error(),
		PageURL:   userEntry.PageURL,
		PageTitle: userEntry.PageTitle,
		Kind:      session.KindError,
		Pages:     userEntry.Pages,
		Timestamp: time.Now(),
	}
	entries := []session.MessageEntry{userEntry, errorEntry}
	if err := c.store.AppendMessages(chatID, entries...); err != nil {
		return nil, err
	}
	c.Broadcast()
	return entries, nil
}

// ensurePage returns a page's chunks, extracting and caching them on a
// miss. PDF URLs go through the PDF entry point.
func (c *Coordinator) ensurePage(pageURL, html string) ([]session.PageChunk, error) {
	if chunks, ok := c.store.GetPage(pageURL); ok {
		return chunks, nil
	}

	var (
		result collab.ExtractResult
		err    error
	)
	if isPDF(pageURL) {
		result, err = c.collab.Extractor.ExtractPDF(c.ctx, pageURL)
	} else {
		result, err = c.collab.Extractor.Extract(c.ctx, pageURL, html)
	}
	if err != nil {
		return nil, err
	}

	if err := c.store.PutPage(pageURL, result.Chunks); err != nil {
		return nil, err
	}
	slog.Debug("page extracted", "pageUrl", pageURL, "chunks", len(result.Chunks))
	return result.Chunks, nil
}

func isPDF(pageURL string) bool {
	return strings.HasSuffix(strings.ToLower(strings.SplitN(pageURL, "?", 2)[0]), ".pdf")
}

// htmlFor hands the surface-provided markup to the extractor only for the
// page it belongs to; other referenced pages are fetched server-side.
func htmlFor(page, currentURL, html string) string {
	if session.NormalizeURL(currentURL) == page {
		return html
	}
	return ""
}

func chatHistory(messages []session.MessageEntry) []collab.ChatMessage {
	kept := aggregate.History(messages)
	history := make([]collab.ChatMessage, 0, len(kept))
	for _, msg := range kept {
		history = append(history, collab.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return history
}
