package session

import (
	"net/url"
	"strings"
)

// Page content cache: previously extracted chunks keyed by normalized page
// URL, so a page already visited this session is never re-extracted. The
// cache is LRU-bounded at MaxCachedPages to keep a long browsing session
// from growing the state file without limit.

// NormalizeURL canonicalizes a page URL for use as a cache key: fragments
// are dropped (same document), host and scheme are lowercased, and default
// ports are stripped.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}

	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	return u.String()
}

// GetPage returns the cached chunks for a page, refreshing its recency.
func (s *FileStore) GetPage(pageURL string) ([]PageChunk, bool) {
	key := NormalizeURL(pageURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, page := range s.state.Pages {
		if page.URL == key {
			if i != 0 {
				s.state.Pages = append(s.state.Pages[:i], s.state.Pages[i+1:]...)
				s.state.Pages = append([]CachedPage{page}, s.state.Pages...)
			}
			result := make([]PageChunk, len(page.Chunks))
			copy(result, page.Chunks)
			return result, true
		}
	}
	return nil, false
}

// PutPage stores a page's chunks, overwriting any previous entry for the
// same URL and evicting the least recently used page past the bound.
func (s *FileStore) PutPage(pageURL string, chunks []PageChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.Pages
	s.upsertPageLocked(CachedPage{URL: pageURL, Chunks: chunks})

	if err := s.persist(); err != nil {
		s.state.Pages = prev
		return err
	}
	return nil
}

// CachedPages returns the URLs currently cached, most recently used first.
func (s *FileStore) CachedPages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	urls := make([]string, len(s.state.Pages))
	for i, page := range s.state.Pages {
		urls[i] = page.URL
	}
	return urls
}
