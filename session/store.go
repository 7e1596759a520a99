package session

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Capacity limits mirror the ones the remote backend enforces. They are
// checked locally first so a doomed request never reaches the network.
const (
	MaxChats           = 3
	MaxMessagesPerChat = 50
	MaxCachedPages     = 32
)

// FileStore owns the authoritative State and persists it wholesale to
// state.json after every mutation. It is NOT safe for multiple instances
// sharing the same dataDir; use a single instance per data directory.
type FileStore struct {
	dataDir string
	mu      sync.RWMutex
	state   State

	// lastSaved is the byte image of the last write, used to tell our own
	// persists apart from out-of-band edits of the state file.
	lastSaved []byte
}

func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	store := &FileStore{dataDir: dataDir}

	state, data, err := store.readStateFromDisk()
	if err != nil {
		return nil, err
	}
	store.state = state
	store.lastSaved = data

	return store, nil
}

// StatePath returns the path of the durable state record.
func (s *FileStore) StatePath() string {
	return filepath.Join(s.dataDir, "state.json")
}

func (s *FileStore) readStateFromDisk() (State, []byte, error) {
	data, err := os.ReadFile(s.StatePath())
	if os.IsNotExist(err) {
		return newState(), nil, nil
	}
	if err != nil {
		return State{}, nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, nil, err
	}
	// Maps may be absent in hand-edited or legacy files.
	if state.Summaries == nil {
		state.Summaries = make(map[string][]SummaryEntry)
	}
	if state.Messages == nil {
		state.Messages = make(map[string][]MessageEntry)
	}
	return state, data, nil
}

func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.StatePath(), data, 0644); err != nil {
		return err
	}
	s.lastSaved = data
	return nil
}

// ReloadIfChanged replaces the in-memory state when the state file was
// swapped out from under the process, e.g. restored from a backup. Our own
// writes are recognized by byte image and skipped. Reports whether the
// state actually changed.
func (s *FileStore) ReloadIfChanged() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.StatePath())
	if os.IsNotExist(err) {
		data = nil
	} else if err != nil {
		return false, err
	}
	if bytes.Equal(data, s.lastSaved) {
		return false, nil
	}

	state, _, err := s.readStateFromDisk()
	if err != nil {
		return false, err
	}
	s.state = state
	s.lastSaved = data
	return true, nil
}

// Snapshot returns a consistent point-in-time deep copy of the state.
func (s *FileStore) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Chats returns all chats, most recently updated first.
func (s *FileStore) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Chat, len(s.state.Chats))
	copy(result, s.state.Chats)

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	return result
}

// ChatCount returns the number of chats currently held.
func (s *FileStore) ChatCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Chats)
}

// CanAddChat reports whether a chat creation is allowed right now. Checked
// before the remote creation call is issued.
func (s *FileStore) CanAddChat() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.state.Chats) >= MaxChats {
		return ErrChatCapacity
	}
	return nil
}

// HasChat reports whether a chat id is present in the store.
func (s *FileStore) HasChat(chatID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.chatIndex(chatID) < 0 {
		return ErrChatNotFound
	}
	return nil
}

// AddChat inserts a chat whose identity the remote service already issued
// and makes it the current chat. Fails with ErrChatCapacity at MaxChats.
func (s *FileStore) AddChat(chat Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.Chats) >= MaxChats {
		return ErrChatCapacity
	}

	prev := s.state.CurrentChatID
	s.state.Chats = append([]Chat{chat}, s.state.Chats...)
	s.state.Summaries[chat.ID] = []SummaryEntry{}
	s.state.Messages[chat.ID] = []MessageEntry{}
	s.state.CurrentChatID = chat.ID

	if err := s.persist(); err != nil {
		s.state.Chats = s.state.Chats[1:]
		delete(s.state.Summaries, chat.ID)
		delete(s.state.Messages, chat.ID)
		s.state.CurrentChatID = prev
		return err
	}
	return nil
}

// SetChats replaces the chat list with the remote service's authoritative
// view, dropping ledgers for chats that no longer exist and clearing a
// dangling current chat id.
func (s *FileStore) SetChats(chats []Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[string]bool, len(chats))
	for _, chat := range chats {
		keep[chat.ID] = true
	}

	s.state.Chats = append([]Chat{}, chats...)
	for id := range s.state.Summaries {
		if !keep[id] {
			delete(s.state.Summaries, id)
		}
	}
	for id := range s.state.Messages {
		if !keep[id] {
			delete(s.state.Messages, id)
		}
	}
	for _, chat := range chats {
		if s.state.Summaries[chat.ID] == nil {
			s.state.Summaries[chat.ID] = []SummaryEntry{}
		}
		if s.state.Messages[chat.ID] == nil {
			s.state.Messages[chat.ID] = []MessageEntry{}
		}
	}
	if !keep[s.state.CurrentChatID] {
		s.state.CurrentChatID = ""
	}

	return s.persist()
}

// RemoveChat deletes a chat and cascades deletion of its ledgers. If the
// deleted chat was current, the most recently updated remaining chat takes
// its place; the returned id is the new current chat ("" if none remain).
func (s *FileStore) RemoveChat(chatID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.chatIndex(chatID)
	if idx < 0 {
		return "", ErrChatNotFound
	}

	remaining := make([]Chat, 0, len(s.state.Chats)-1)
	for _, chat := range s.state.Chats {
		if chat.ID != chatID {
			remaining = append(remaining, chat)
		}
	}
	s.state.Chats = remaining
	delete(s.state.Summaries, chatID)
	delete(s.state.Messages, chatID)

	if s.state.CurrentChatID == chatID {
		s.state.CurrentChatID = mostRecent(remaining)
	}

	if err := s.persist(); err != nil {
		return "", err
	}
	return s.state.CurrentChatID, nil
}

func mostRecent(chats []Chat) string {
	next := ""
	var nextAt time.Time
	for _, chat := range chats {
		if next == "" || chat.UpdatedAt.After(nextAt) {
			next = chat.ID
			nextAt = chat.UpdatedAt
		}
	}
	return next
}

// SetCurrentChat switches the current chat. An empty id clears the selection.
func (s *FileStore) SetCurrentChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chatID != "" && s.chatIndex(chatID) < 0 {
		return ErrChatNotFound
	}

	prev := s.state.CurrentChatID
	s.state.CurrentChatID = chatID
	if err := s.persist(); err != nil {
		s.state.CurrentChatID = prev
		return err
	}
	return nil
}

// RenameChat updates a chat's title.
func (s *FileStore) RenameChat(chatID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.chatIndex(chatID)
	if idx < 0 {
		return ErrChatNotFound
	}

	prev := s.state.Chats[idx]
	s.state.Chats[idx].Title = title
	s.state.Chats[idx].UpdatedAt = time.Now()
	if err := s.persist(); err != nil {
		s.state.Chats[idx] = prev
		return err
	}
	return nil
}

// chatIndex returns the index of a chat or -1. Caller must hold mu.
func (s *FileStore) chatIndex(chatID string) int {
	for i, chat := range s.state.Chats {
		if chat.ID == chatID {
			return i
		}
	}
	return -1
}

// touchChat bumps a chat's UpdatedAt. Caller must hold mu.
func (s *FileStore) touchChat(chatID string) {
	if idx := s.chatIndex(chatID); idx >= 0 {
		s.state.Chats[idx].UpdatedAt = time.Now()
	}
}

// Reset clears all chats, ledgers, and cached pages. Used on logout.
func (s *FileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	s.state = newState()
	if err := s.persist(); err != nil {
		s.state = prev
		return err
	}
	return nil
}
