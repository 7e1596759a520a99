package session

import "time"

// Patch is a partial state update pushed by a UI surface, e.g. a freshly
// extracted page it wants the shared authority to remember. Merging is
// shallow: each top-level field present replaces its counterpart key.
type Patch struct {
	CurrentChatID *string      `json:"current_chat_id,omitempty"`
	Pages         []CachedPage `json:"page_chunks,omitempty"`
}

// Merge applies a patch atomically and persists the result.
func (s *FileStore) Merge(patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.CurrentChatID != nil && *patch.CurrentChatID != "" {
		if s.chatIndex(*patch.CurrentChatID) < 0 {
			return ErrChatNotFound
		}
	}

	prevCurrent := s.state.CurrentChatID
	prevPages := s.state.Pages

	if patch.CurrentChatID != nil {
		s.state.CurrentChatID = *patch.CurrentChatID
	}
	for _, page := range patch.Pages {
		s.upsertPageLocked(page)
	}

	if err := s.persist(); err != nil {
		s.state.CurrentChatID = prevCurrent
		s.state.Pages = prevPages
		return err
	}
	return nil
}

// upsertPageLocked is PutPage without locking or persistence. Caller must
// hold mu and persist afterwards.
func (s *FileStore) upsertPageLocked(page CachedPage) {
	key := NormalizeURL(page.URL)
	if page.CachedAt.IsZero() {
		page.CachedAt = time.Now()
	}
	page.URL = key

	next := make([]CachedPage, 0, len(s.state.Pages)+1)
	next = append(next, page)
	for _, existing := range s.state.Pages {
		if existing.URL != key {
			next = append(next, existing)
		}
	}
	if len(next) > MaxCachedPages {
		next = next[:MaxCachedPages]
	}
	s.state.Pages = next
}
