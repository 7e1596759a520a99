// Package rpc defines JSON-RPC 2.0 wire format types for WebSocket
// communication between UI surfaces and the coordinator.
package rpc

import "github.com/pagesense/server/session"

// Error codes surfaces can branch on, carried in the jsonrpc2 error code
// field. Capacity and authentication failures are decided locally and
// never reach the backend.
const (
	CodeCapacityExceeded        = -32001
	CodeMessageCapacityExceeded = -32002
	CodeUnauthenticated         = -32003
	CodeExtractionFailed        = -32004
	CodeCollaboratorUnavailable = -32005
	CodeChatNotFound            = -32006
)

// Client → Server

type AuthParams struct {
	Token string `json:"token"`
}

type AuthResult struct {
	Version string `json:"version"`
}

type SessionSetParams struct {
	Patch session.Patch `json:"patch"`
}

type ChatCreateParams struct {
	Title string `json:"title"`
}

type ChatParams struct {
	ChatID string `json:"chat_id"`
}

type ChatRenameParams struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
}

type ChatListResult struct {
	Chats []session.Chat `json:"chats"`
}

type ChatHistoryResult struct {
	Chat      session.Chat           `json:"chat"`
	Summaries []session.SummaryEntry `json:"summaries"`
	Messages  []session.MessageEntry `json:"messages"`
}

type SummarizeParams struct {
	ChatID    string `json:"chat_id"`
	PageURL   string `json:"page_url"`
	PageTitle string `json:"page_title,omitempty"`
	Style     string `json:"style,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	HTML      string `json:"html,omitempty"`
}

type SummarizeResult struct {
	Entry session.SummaryEntry `json:"entry"`
}

type AskParams struct {
	ChatID    string `json:"chat_id"`
	Question  string `json:"question"`
	PageURL   string `json:"page_url"`
	PageTitle string `json:"page_title,omitempty"`
	HTML      string `json:"html,omitempty"`
}

type AskResult struct {
	Entries []session.MessageEntry `json:"entries"`
}

type CompareParams struct {
	ChatID   string   `json:"chat_id"`
	Question string   `json:"question"`
	PageURLs []string `json:"page_urls"`
}

// Server → Client

// StateParams is the params of the session.state notification: the full
// snapshot every subscribed surface receives after each mutation.
type StateParams struct {
	State session.State `json:"state"`
}
