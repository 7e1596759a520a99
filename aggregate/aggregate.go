// Package aggregate computes the context payload for a generation request:
// which page chunks to send, in what order. It owns no state; inputs are a
// chat's ledger and a view of the page cache, outputs are deterministic.
package aggregate

import "github.com/pagesense/server/session"

// PageOrder returns the distinct page URLs a question's context must cover:
// every page referenced by the chat's message log, in the order each page
// was first mentioned, with the currently viewed page appended last if it
// is not already present. URLs are normalized before deduplication.
//
// This ordering is what gives a chat memory across pages. The backend has
// no state of its own between calls, so a question like "compare this to
// the previous page" only works if every discussed page's content rides
// along, in a stable order.
func PageOrder(messages []session.MessageEntry, currentURL string) []string {
	seen := make(map[string]bool)
	var order []string

	add := func(raw string) {
		if raw == "" {
			return
		}
		key := session.NormalizeURL(raw)
		if !seen[key] {
			seen[key] = true
			order = append(order, key)
		}
	}

	for _, msg := range messages {
		add(msg.PageURL)
		for _, page := range msg.Pages {
			add(page)
		}
	}
	add(currentURL)

	return order
}

// Missing returns the subset of pages that the lookup cannot satisfy, in
// order. The caller extracts those before assembling the chunk set.
func Missing(pages []string, lookup func(url string) ([]session.PageChunk, bool)) []string {
	var missing []string
	for _, page := range pages {
		if _, ok := lookup(page); !ok {
			missing = append(missing, page)
		}
	}
	return missing
}

// ChunkSet concatenates the cached chunk lists for the given pages in
// order. Pages the lookup cannot satisfy are skipped; callers that need
// them all resolve Missing first.
func ChunkSet(pages []string, lookup func(url string) ([]session.PageChunk, bool)) []session.PageChunk {
	var chunks []session.PageChunk
	for _, page := range pages {
		if pageChunks, ok := lookup(page); ok {
			chunks = append(chunks, pageChunks...)
		}
	}
	return chunks
}

// History projects a message log into the role/content pairs the QA
// collaborator accepts as conversation history.
func History(messages []session.MessageEntry) []session.MessageEntry {
	history := make([]session.MessageEntry, 0, len(messages))
	for _, msg := range messages {
		if msg.Kind == session.KindError {
			continue
		}
		history = append(history, msg)
	}
	return history
}
