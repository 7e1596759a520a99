package session

import "time"

// Chat holds metadata for one chat. Identity is issued by the remote chat
// service; the local store only caches it.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PageChunk is a contiguous span of extracted page text. Immutable once
// produced by the extraction collaborator.
type PageChunk struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
	DOMSelector string `json:"dom_selector,omitempty"`
}

// SourceReference points an answer or summary back at the chunk it came from.
type SourceReference struct {
	ChunkID  string  `json:"chunk_id"`
	Score    float64 `json:"score"`
	Selector string  `json:"selector,omitempty"`
	Text     string  `json:"text"`
}

// SummaryEntry records one summary produced for a page within a chat.
// Append-only; removed only when the owning chat is deleted.
type SummaryEntry struct {
	PageURL   string            `json:"page_url"`
	PageTitle string            `json:"page_title"`
	Summary   string            `json:"summary"`
	Sources   []SourceReference `json:"sources,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Role identifies who produced a message entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EntryKind distinguishes what produced an assistant entry.
type EntryKind string

const (
	KindAnswer    EntryKind = "answer"
	KindMultiPage EntryKind = "multi_page"
	KindError     EntryKind = "error"
)

// MessageEntry is one row of a chat's Q&A log.
type MessageEntry struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	PageURL    string            `json:"page_url,omitempty"`
	PageTitle  string            `json:"page_title,omitempty"`
	Kind       EntryKind         `json:"kind,omitempty"`
	Sources    []SourceReference `json:"sources,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Pages      []string          `json:"pages,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// State is the aggregate session record: all chats, their ledgers, and the
// page-chunk cache. It is the single unit of persistence; the file store
// writes it out wholesale after every mutation.
type State struct {
	CurrentChatID string                    `json:"current_chat_id,omitempty"`
	Chats         []Chat                    `json:"chats"`
	Summaries     map[string][]SummaryEntry `json:"chat_summaries"`
	Messages      map[string][]MessageEntry `json:"chat_messages"`
	Pages         []CachedPage              `json:"page_chunks"`
}

// CachedPage is one page-cache entry. Pages are kept as an ordered list so
// recency survives a restart; index 0 is the most recently used.
type CachedPage struct {
	URL      string      `json:"url"`
	Chunks   []PageChunk `json:"chunks"`
	CachedAt time.Time   `json:"cached_at"`
}

func newState() State {
	return State{
		Chats:     []Chat{},
		Summaries: make(map[string][]SummaryEntry),
		Messages:  make(map[string][]MessageEntry),
		Pages:     []CachedPage{},
	}
}

// Clone returns a deep copy, so snapshots handed to UI surfaces never alias
// the authoritative state.
func (s State) Clone() State {
	out := State{
		CurrentChatID: s.CurrentChatID,
		Chats:         make([]Chat, len(s.Chats)),
		Summaries:     make(map[string][]SummaryEntry, len(s.Summaries)),
		Messages:      make(map[string][]MessageEntry, len(s.Messages)),
		Pages:         make([]CachedPage, len(s.Pages)),
	}
	copy(out.Chats, s.Chats)
	for id, entries := range s.Summaries {
		cp := make([]SummaryEntry, len(entries))
		copy(cp, entries)
		out.Summaries[id] = cp
	}
	for id, entries := range s.Messages {
		cp := make([]MessageEntry, len(entries))
		copy(cp, entries)
		out.Messages[id] = cp
	}
	for i, page := range s.Pages {
		chunks := make([]PageChunk, len(page.Chunks))
		copy(chunks, page.Chunks)
		out.Pages[i] = CachedPage{URL: page.URL, Chunks: chunks, CachedAt: page.CachedAt}
	}
	return out
}

// ActiveChat returns the current chat id, if one is selected.
func (s State) ActiveChat() (string, bool) {
	return s.CurrentChatID, s.CurrentChatID != ""
}
