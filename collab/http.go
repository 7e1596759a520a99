package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pagesense/server/session"
)

// Client talks to the hosted backend over HTTP and implements every
// collaborator interface. The bearer credential is attached to each call;
// a missing credential fails the call before any network traffic.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a backend client. The timeout covers each individual
// call; the coordinator applies no retry policy of its own.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

var (
	_ Extractor   = (*Client)(nil)
	_ Summarizer  = (*Client)(nil)
	_ Answerer    = (*Client)(nil)
	_ ChatService = (*Client)(nil)
)

func (c *Client) post(ctx context.Context, path string, payload, result any) error {
	return c.do(ctx, http.MethodPost, path, payload, result)
}

func (c *Client) do(ctx context.Context, method, path string, payload, result any) error {
	if c.token == "" {
		return ErrUnauthenticated
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthenticated
	}
	if resp.StatusCode >= 400 {
		detail := readErrorDetail(resp.Body)
		slog.Debug("backend call failed", "method", method, "path", path, "status", resp.StatusCode, "detail", detail)
		return fmt.Errorf("%w: %s (status %d)", ErrUnavailable, detail, resp.StatusCode)
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	return nil
}

func readErrorDetail(body io.Reader) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err != nil || payload.Detail == "" {
		return "backend error"
	}
	return payload.Detail
}

// Extract sends page markup to the extraction service.
func (c *Client) Extract(ctx context.Context, url, html string) (ExtractResult, error) {
	payload := struct {
		URL  string `json:"url"`
		HTML string `json:"html,omitempty"`
	}{URL: url, HTML: html}

	var result ExtractResult
	if err := c.post(ctx, "/api/v1/extract", payload, &result); err != nil {
		if err == ErrUnauthenticated {
			return ExtractResult{}, err
		}
		return ExtractResult{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if len(result.Chunks) == 0 {
		return ExtractResult{}, fmt.Errorf("%w: no chunks for %s", ErrExtractionFailed, url)
	}
	return result, nil
}

// ExtractPDF uses the PDF entry point; the chunk shape is the same.
func (c *Client) ExtractPDF(ctx context.Context, url string) (ExtractResult, error) {
	payload := struct {
		URL string `json:"url"`
	}{URL: url}

	var result ExtractResult
	if err := c.post(ctx, "/api/v1/extract/pdf", payload, &result); err != nil {
		if err == ErrUnauthenticated {
			return ExtractResult{}, err
		}
		return ExtractResult{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if len(result.Chunks) == 0 {
		return ExtractResult{}, fmt.Errorf("%w: no chunks for %s", ErrExtractionFailed, url)
	}
	return result, nil
}

func (c *Client) Summarize(ctx context.Context, req SummarizeRequest) (SummarizeResult, error) {
	var result SummarizeResult
	if err := c.post(ctx, "/api/v1/summarize", req, &result); err != nil {
		return SummarizeResult{}, err
	}
	return result, nil
}

func (c *Client) Answer(ctx context.Context, req AnswerRequest) (AnswerResult, error) {
	var result AnswerResult
	if err := c.post(ctx, "/api/v1/qa", req, &result); err != nil {
		return AnswerResult{}, err
	}
	return result, nil
}

func (c *Client) Compare(ctx context.Context, req CompareRequest) (CompareResult, error) {
	var result CompareResult
	if err := c.post(ctx, "/api/v1/qa/multi-page", req, &result); err != nil {
		return CompareResult{}, err
	}
	return result, nil
}

func (c *Client) List(ctx context.Context) ([]session.Chat, error) {
	var result []session.Chat
	if err := c.do(ctx, http.MethodGet, "/api/v1/chats", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) Create(ctx context.Context, title string) (session.Chat, error) {
	payload := struct {
		Title string `json:"title"`
	}{Title: title}

	var result session.Chat
	if err := c.post(ctx, "/api/v1/chats", payload, &result); err != nil {
		return session.Chat{}, err
	}
	return result, nil
}

func (c *Client) Delete(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/chats/"+chatID, nil, nil)
}

func (c *Client) Rename(ctx context.Context, chatID, title string) error {
	payload := struct {
		Title string `json:"title"`
	}{Title: title}
	return c.do(ctx, http.MethodPut, "/api/v1/chats/"+chatID+"/title", payload, nil)
}
