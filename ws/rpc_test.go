package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/pagesense/server/collab"
	"github.com/pagesense/server/coordinator"
	"github.com/pagesense/server/rpc"
	"github.com/pagesense/server/session"
	"github.com/sourcegraph/jsonrpc2"
)

type testEnv struct {
	t      *testing.T
	mock   *mockBackend
	store  *session.FileStore
	coord  *coordinator.Coordinator
	server *httptest.Server
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	reqID  int

	// session.state notifications read while waiting for a response.
	notifications []rpcNotification
}

func newTestEnv(t *testing.T, mock *mockBackend) *testEnv {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	coord := coordinator.New(store, coordinator.Collaborators{
		Extractor:  mock,
		Summarizer: mock,
		Answerer:   mock,
		Chats:      mock,
	})

	h := NewRPCHandler("test-token", "test", true, coord)
	server := httptest.NewServer(h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	env := &testEnv{
		t:      t,
		mock:   mock,
		store:  store,
		coord:  coord,
		server: server,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	// Authenticate
	resp := env.call("auth", rpc.AuthParams{Token: "test-token"})
	if resp.Error != nil {
		t.Fatalf("auth failed: %s", resp.Error.Message)
	}

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
		coord.Shutdown()
	})

	return env
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc2.Error `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (e *testEnv) nextID() int {
	e.reqID++
	return e.reqID
}

// call sends a request and reads until its response arrives. Snapshot
// notifications are broadcast before the mutating method replies, so any
// session.state frames read along the way are stashed for assertions.
func (e *testEnv) call(method string, params interface{}) rpcResponse {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      e.nextID(),
		Method:  method,
		Params:  params,
	}
	data, _ := json.Marshal(req)
	if err := e.conn.Write(e.ctx, websocket.MessageText, data); err != nil {
		e.t.Fatalf("failed to send: %v", err)
	}

	for {
		_, respData, err := e.conn.Read(e.ctx)
		if err != nil {
			e.t.Fatalf("failed to read: %v", err)
		}

		var probe struct {
			ID     *int   `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(respData, &probe); err != nil {
			e.t.Fatalf("failed to unmarshal frame: %v", err)
		}

		if probe.ID == nil {
			var notif rpcNotification
			if err := json.Unmarshal(respData, &notif); err != nil {
				e.t.Fatalf("failed to unmarshal notification: %v", err)
			}
			e.notifications = append(e.notifications, notif)
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(respData, &resp); err != nil {
			e.t.Fatalf("failed to unmarshal response: %v", err)
		}
		return resp
	}
}

func (e *testEnv) mustCall(method string, params interface{}) json.RawMessage {
	resp := e.call(method, params)
	if resp.Error != nil {
		e.t.Fatalf("%s failed: %s", method, resp.Error.Message)
	}
	return resp.Result
}

func (e *testEnv) createChat(title string) session.Chat {
	var chat session.Chat
	if err := json.Unmarshal(e.mustCall("chat.create", rpc.ChatCreateParams{Title: title}), &chat); err != nil {
		e.t.Fatalf("failed to unmarshal chat: %v", err)
	}
	return chat
}

func (e *testEnv) lastStateNotification() (rpc.StateParams, bool) {
	for i := len(e.notifications) - 1; i >= 0; i-- {
		if e.notifications[i].Method != "session.state" {
			continue
		}
		var params rpc.StateParams
		if err := json.Unmarshal(e.notifications[i].Params, &params); err != nil {
			e.t.Fatalf("failed to unmarshal state params: %v", err)
		}
		return params, true
	}
	return rpc.StateParams{}, false
}

func dialRaw(t *testing.T, token string) (*websocket.Conn, context.Context) {
	store, err := session.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	mock := &mockBackend{}
	coord := coordinator.New(store, coordinator.Collaborators{
		Extractor:  mock,
		Summarizer: mock,
		Answerer:   mock,
		Chats:      mock,
	})

	h := NewRPCHandler(token, "test", true, coord)
	server := httptest.NewServer(h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
		coord.Shutdown()
	})
	return conn, ctx
}

func rawCall(t *testing.T, conn *websocket.Conn, ctx context.Context, method string, params interface{}) rpcResponse {
	req := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	data, _ := json.Marshal(req)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	_, respData, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	return resp
}

func TestHandler_Auth_InvalidToken(t *testing.T) {
	conn, ctx := dialRaw(t, "secret-token")

	resp := rawCall(t, conn, ctx, "auth", rpc.AuthParams{Token: "wrong-token"})
	if resp.Error == nil {
		t.Fatal("expected auth to fail")
	}
	if !strings.Contains(resp.Error.Message, "invalid token") {
		t.Errorf("expected 'invalid token' error, got %q", resp.Error.Message)
	}
}

func TestHandler_Auth_FirstMessageMustBeAuth(t *testing.T) {
	conn, ctx := dialRaw(t, "test-token")

	resp := rawCall(t, conn, ctx, "chat.list", struct{}{})
	if resp.Error == nil {
		t.Fatal("expected request before auth to fail")
	}
	if !strings.Contains(resp.Error.Message, "first request must be auth") {
		t.Errorf("unexpected error: %q", resp.Error.Message)
	}
}

func TestHandler_Auth_Success(t *testing.T) {
	conn, ctx := dialRaw(t, "test-token")

	resp := rawCall(t, conn, ctx, "auth", rpc.AuthParams{Token: "test-token"})
	if resp.Error != nil {
		t.Fatalf("auth failed: %s", resp.Error.Message)
	}
	var result rpc.AuthResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.Version != "test" {
		t.Errorf("version = %q, want %q", result.Version, "test")
	}
}

func TestHandler_ChatLifecycle(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})

	first := env.createChat("research")
	second := env.createChat("")
	if second.Title != "New Chat" {
		t.Errorf("default title = %q, want %q", second.Title, "New Chat")
	}

	var list rpc.ChatListResult
	if err := json.Unmarshal(env.mustCall("chat.list", struct{}{}), &list); err != nil {
		t.Fatalf("failed to unmarshal list: %v", err)
	}
	if len(list.Chats) != 2 {
		t.Fatalf("chat count = %d, want 2", len(list.Chats))
	}

	env.mustCall("chat.rename", rpc.ChatRenameParams{ChatID: first.ID, Title: "renamed"})
	env.mustCall("chat.switch", rpc.ChatParams{ChatID: first.ID})

	var history rpc.ChatHistoryResult
	if err := json.Unmarshal(env.mustCall("chat.history", rpc.ChatParams{ChatID: first.ID}), &history); err != nil {
		t.Fatalf("failed to unmarshal history: %v", err)
	}
	if history.Chat.Title != "renamed" {
		t.Errorf("title after rename = %q", history.Chat.Title)
	}

	env.mustCall("chat.delete", rpc.ChatParams{ChatID: first.ID})

	if err := json.Unmarshal(env.mustCall("chat.list", struct{}{}), &list); err != nil {
		t.Fatalf("failed to unmarshal list: %v", err)
	}
	if len(list.Chats) != 1 || list.Chats[0].ID != second.ID {
		t.Errorf("chats after delete = %+v", list.Chats)
	}
}

func TestHandler_ChatCreate_CapacityCode(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})

	for i := 0; i < session.MaxChats; i++ {
		env.createChat(fmt.Sprintf("chat %d", i))
	}

	resp := env.call("chat.create", rpc.ChatCreateParams{Title: "overflow"})
	if resp.Error == nil {
		t.Fatal("expected capacity error")
	}
	if resp.Error.Code != rpc.CodeCapacityExceeded {
		t.Errorf("error code = %d, want %d", resp.Error.Code, rpc.CodeCapacityExceeded)
	}
}

func TestHandler_ChatHistory_NotFoundCode(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})

	resp := env.call("chat.history", rpc.ChatParams{ChatID: "missing"})
	if resp.Error == nil {
		t.Fatal("expected an error")
	}
	if resp.Error.Code != rpc.CodeChatNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, rpc.CodeChatNotFound)
	}
}

func TestHandler_Summarize(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})
	chat := env.createChat("a")

	var result rpc.SummarizeResult
	raw := env.mustCall("page.summarize", rpc.SummarizeParams{
		ChatID:  chat.ID,
		PageURL: "https://example.com/article",
		Style:   collab.StyleBullet,
		HTML:    "<p>body</p>",
	})
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.Entry.Summary != "mock summary" {
		t.Errorf("summary = %q", result.Entry.Summary)
	}
	if got := len(env.store.SummariesFor(chat.ID)); got != 1 {
		t.Errorf("summary log length = %d, want 1", got)
	}
}

func TestHandler_Ask(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})
	chat := env.createChat("a")

	var result rpc.AskResult
	raw := env.mustCall("page.ask", rpc.AskParams{
		ChatID:   chat.ID,
		Question: "what is this?",
		PageURL:  "https://example.com",
		HTML:     "<p>x</p>",
	})
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(result.Entries))
	}
	if result.Entries[1].Content != "mock answer" {
		t.Errorf("assistant content = %q", result.Entries[1].Content)
	}
}

func TestHandler_Ask_MessageCapacityCode(t *testing.T) {
	mock := &mockBackend{}
	env := newTestEnv(t, mock)
	chat := env.createChat("full")

	for i := 0; i < session.MaxMessagesPerChat; i++ {
		err := env.store.AppendMessages(chat.ID, session.MessageEntry{
			Role:    session.RoleUser,
			Content: fmt.Sprintf("m%d", i),
		})
		if err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}

	resp := env.call("page.ask", rpc.AskParams{ChatID: chat.ID, Question: "q", PageURL: "https://example.com"})
	if resp.Error == nil {
		t.Fatal("expected capacity error")
	}
	if resp.Error.Code != rpc.CodeMessageCapacityExceeded {
		t.Errorf("error code = %d, want %d", resp.Error.Code, rpc.CodeMessageCapacityExceeded)
	}
	if mock.answerCalls != 0 {
		t.Errorf("answer calls = %d, want 0", mock.answerCalls)
	}
}

func TestHandler_Ask_UnauthenticatedCode(t *testing.T) {
	mock := &mockBackend{answerErr: collab.ErrUnauthenticated}
	env := newTestEnv(t, mock)
	chat := env.createChat("a")

	resp := env.call("page.ask", rpc.AskParams{ChatID: chat.ID, Question: "q", PageURL: "https://example.com", HTML: "<p>x</p>"})
	if resp.Error == nil {
		t.Fatal("expected an error")
	}
	if resp.Error.Code != rpc.CodeUnauthenticated {
		t.Errorf("error code = %d, want %d", resp.Error.Code, rpc.CodeUnauthenticated)
	}
}

func TestHandler_Compare(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})
	chat := env.createChat("a")

	var result rpc.AskResult
	raw := env.mustCall("page.compare", rpc.CompareParams{
		ChatID:   chat.ID,
		Question: "which?",
		PageURLs: []string{"https://a.example", "https://b.example"},
	})
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(result.Entries))
	}
	if result.Entries[1].Kind != session.KindMultiPage {
		t.Errorf("kind = %q, want %q", result.Entries[1].Kind, session.KindMultiPage)
	}
}

func TestHandler_SessionGetSetReset(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})
	env.createChat("a")

	var state rpc.StateParams
	if err := json.Unmarshal(env.mustCall("session.get", struct{}{}), &state); err != nil {
		t.Fatalf("failed to unmarshal state: %v", err)
	}
	if len(state.State.Chats) != 1 {
		t.Fatalf("chats in snapshot = %d, want 1", len(state.State.Chats))
	}

	patch := session.Patch{Pages: []session.CachedPage{{
		URL:    "https://example.com/cached",
		Chunks: []session.PageChunk{{ID: "p1", Text: "preloaded"}},
	}}}
	if err := json.Unmarshal(env.mustCall("session.set", rpc.SessionSetParams{Patch: patch}), &state); err != nil {
		t.Fatalf("failed to unmarshal state: %v", err)
	}
	if len(state.State.Pages) != 1 {
		t.Errorf("cached pages = %d, want 1", len(state.State.Pages))
	}

	env.mustCall("session.reset", struct{}{})
	if err := json.Unmarshal(env.mustCall("session.get", struct{}{}), &state); err != nil {
		t.Fatalf("failed to unmarshal state: %v", err)
	}
	if len(state.State.Chats) != 0 || len(state.State.Pages) != 0 {
		t.Errorf("state after reset not empty: %+v", state.State)
	}
}

func TestHandler_StateNotificationOnMutation(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})
	chat := env.createChat("broadcast me")

	// The snapshot notification is written before chat.create's reply, so
	// by now the call helper has stashed it.
	params, ok := env.lastStateNotification()
	if !ok {
		t.Fatal("no session.state notification received")
	}
	if len(params.State.Chats) != 1 || params.State.Chats[0].ID != chat.ID {
		t.Errorf("notified state = %+v, want the created chat", params.State.Chats)
	}
	if current, _ := params.State.ActiveChat(); current != chat.ID {
		t.Errorf("current chat in notification = %q, want %q", current, chat.ID)
	}
}

func TestHandler_Auth_MissingParams(t *testing.T) {
	conn, ctx := dialRaw(t, "test-token")

	frame := []byte(`{"jsonrpc":"2.0","id":1,"method":"auth"}`)
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	_, respData, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an error reply for a params-less auth request")
	}
	if resp.Error.Code != int64(jsonrpc2.CodeInvalidParams) {
		t.Errorf("error code = %d, want %d", resp.Error.Code, jsonrpc2.CodeInvalidParams)
	}
}

func TestHandler_MissingParamsAfterAuth(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})

	frame := []byte(`{"jsonrpc":"2.0","id":99,"method":"chat.create"}`)
	if err := env.conn.Write(env.ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	_, respData, err := env.conn.Read(env.ctx)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	var resp rpcResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an error reply for a params-less request")
	}
	if resp.Error.Code != int64(jsonrpc2.CodeInvalidParams) {
		t.Errorf("error code = %d, want %d", resp.Error.Code, jsonrpc2.CodeInvalidParams)
	}

	// The connection and process must survive the malformed frame.
	var list rpc.ChatListResult
	if err := json.Unmarshal(env.mustCall("chat.list", struct{}{}), &list); err != nil {
		t.Fatalf("failed to unmarshal list: %v", err)
	}
}

func TestHandler_UnknownMethod(t *testing.T) {
	env := newTestEnv(t, &mockBackend{})

	resp := env.call("page.translate", struct{}{})
	if resp.Error == nil {
		t.Fatal("expected method-not-found error")
	}
	if resp.Error.Code != int64(jsonrpc2.CodeMethodNotFound) {
		t.Errorf("error code = %d, want %d", resp.Error.Code, jsonrpc2.CodeMethodNotFound)
	}
}
