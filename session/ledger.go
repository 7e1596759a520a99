package session

// Context ledger: per-chat ordered logs of summaries and Q&A messages.
// Both are insertion-ordered (oldest first) since conversational context
// requires chronological replay. Only messages are capacity-limited.

// AppendSummary appends a summary entry to a chat's summary log.
func (s *FileStore) AppendSummary(chatID string, entry SummaryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chatIndex(chatID) < 0 {
		return ErrChatNotFound
	}

	prev := s.state.Summaries[chatID]
	s.state.Summaries[chatID] = append(prev, entry)
	s.touchChat(chatID)
	if err := s.persist(); err != nil {
		s.state.Summaries[chatID] = prev
		return err
	}
	return nil
}

// CanAppendMessages reports whether n more messages fit in a chat's ledger.
// Callers check this before any collaborator call so capacity violations
// never reach the network.
func (s *FileStore) CanAppendMessages(chatID string, n int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.chatIndex(chatID) < 0 {
		return ErrChatNotFound
	}
	if len(s.state.Messages[chatID])+n > MaxMessagesPerChat {
		return ErrMessageCapacity
	}
	return nil
}

// AppendMessages appends all entries or none. A user question and its
// assistant answer go in as one atomic append, so a racing request can
// never leave the ledger with a dangling half of an exchange.
func (s *FileStore) AppendMessages(chatID string, entries ...MessageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chatIndex(chatID) < 0 {
		return ErrChatNotFound
	}
	prev := s.state.Messages[chatID]
	if len(prev)+len(entries) > MaxMessagesPerChat {
		return ErrMessageCapacity
	}

	s.state.Messages[chatID] = append(prev, entries...)
	s.touchChat(chatID)
	if err := s.persist(); err != nil {
		s.state.Messages[chatID] = prev
		return err
	}
	return nil
}

// MessagesFor returns a chat's message log, oldest first.
func (s *FileStore) MessagesFor(chatID string) []MessageEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]MessageEntry, len(s.state.Messages[chatID]))
	copy(result, s.state.Messages[chatID])
	return result
}

// SummariesFor returns a chat's summary log, oldest first.
func (s *FileStore) SummariesFor(chatID string) []SummaryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]SummaryEntry, len(s.state.Summaries[chatID]))
	copy(result, s.state.Summaries[chatID])
	return result
}
