package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pagesense/server/collab"
	"github.com/pagesense/server/coordinator"
	"github.com/pagesense/server/rpc"
	"github.com/pagesense/server/session"
	"github.com/sourcegraph/jsonrpc2"
)

// RPCHandler handles JSON-RPC 2.0 over WebSocket for UI surfaces (popup,
// in-page widgets). Each open tab holds its own connection; all of them
// are fed the same snapshots by the coordinator.
type RPCHandler struct {
	token   string
	version string
	devMode bool
	coord   *coordinator.Coordinator
}

// NewRPCHandler creates a new JSON-RPC handler.
func NewRPCHandler(token, version string, devMode bool, coord *coordinator.Coordinator) *RPCHandler {
	return &RPCHandler{
		token:   token,
		version: version,
		devMode: devMode,
		coord:   coord,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	connID := uuid.Must(uuid.NewV7()).String()
	log := slog.With("connId", connID)
	log.Info("new surface connection")

	stream := newWebSocketStream(wsConn)

	handler := &rpcMethodHandler{
		RPCHandler: h,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))

	<-rpcConn.DisconnectNotify()

	// In-flight coordinator work finishes on its own context; only the
	// subscription dies with the connection.
	h.coord.Unsubscribe(rpcConn)
	log.Info("surface disconnected")
}

// rpcMethodHandler handles JSON-RPC method calls for one connection.
type rpcMethodHandler struct {
	*RPCHandler
	log           *slog.Logger
	authMu        sync.Mutex
	authenticated bool
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "session.get":
		h.handleSessionGet(ctx, conn, req)
	case "session.set":
		h.handleSessionSet(ctx, conn, req)
	case "session.reset":
		h.handleSessionReset(ctx, conn, req)
	case "chat.create":
		h.handleChatCreate(ctx, conn, req)
	case "chat.delete":
		h.handleChatDelete(ctx, conn, req)
	case "chat.switch":
		h.handleChatSwitch(ctx, conn, req)
	case "chat.rename":
		h.handleChatRename(ctx, conn, req)
	case "chat.list":
		h.handleChatList(ctx, conn, req)
	case "chat.history":
		h.handleChatHistory(ctx, conn, req)
	case "page.summarize":
		h.handleSummarize(ctx, conn, req)
	case "page.ask":
		h.handleAsk(ctx, conn, req)
	case "page.compare":
		h.handleCompare(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

// parseParams decodes a request's params, treating an absent params field
// as malformed rather than dereferencing it.
func parseParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(h.token)) != 1 {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.setAuthenticated()
	h.coord.Subscribe(conn)
	h.log.Info("surface authenticated")

	if err := conn.Reply(ctx, req.ID, rpc.AuthResult{Version: h.version}); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.reply(ctx, conn, req.ID, rpc.StateParams{State: h.coord.Session()})
}

func (h *rpcMethodHandler) handleSessionSet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionSetParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	state, err := h.coord.SetSession(params.Patch)
	if err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.StateParams{State: state})
}

func (h *rpcMethodHandler) handleSessionReset(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if err := h.coord.Reset(); err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleChatCreate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatCreateParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	chat, err := h.coord.CreateChat(params.Title)
	if err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, chat)
}

func (h *rpcMethodHandler) handleChatDelete(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.coord.DeleteChat(params.ChatID); err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleChatSwitch(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	if err := h.coord.SwitchChat(params.ChatID); err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleChatRename(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatRenameParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.Title == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "title required")
		return
	}

	if err := h.coord.RenameChat(params.ChatID, params.Title); err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, struct{}{})
}

func (h *rpcMethodHandler) handleChatList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	h.reply(ctx, conn, req.ID, rpc.ChatListResult{Chats: h.coord.Chats()})
}

func (h *rpcMethodHandler) handleChatHistory(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.ChatParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	history, err := h.coord.History(params.ChatID)
	if err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, history)
}

func (h *rpcMethodHandler) handleSummarize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SummarizeParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	entry, err := h.coord.RequestSummary(params.ChatID, params.PageURL, params.PageTitle, params.Style, params.MaxTokens, params.HTML)
	if err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.SummarizeResult{Entry: entry})
}

func (h *rpcMethodHandler) handleAsk(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AskParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	entries, err := h.coord.RequestAnswer(params.ChatID, params.Question, params.PageURL, params.PageTitle, params.HTML)
	if err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.AskResult{Entries: entries})
}

func (h *rpcMethodHandler) handleCompare(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.CompareParams
	if err := parseParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	entries, err := h.coord.RequestCompare(params.ChatID, params.Question, params.PageURLs)
	if err != nil {
		h.replyDomainError(ctx, conn, req.ID, err)
		return
	}
	h.reply(ctx, conn, req.ID, rpc.AskResult{Entries: entries})
}

func (h *rpcMethodHandler) reply(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, result any) {
	if err := conn.Reply(ctx, id, result); err != nil {
		h.log.Error("failed to send response", "error", err)
	}
}

// replyDomainError maps the error taxonomy onto stable JSON-RPC codes.
func (h *rpcMethodHandler) replyDomainError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, err error) {
	code := int64(jsonrpc2.CodeInternalError)
	switch {
	case errors.Is(err, session.ErrChatCapacity):
		code = rpc.CodeCapacityExceeded
	case errors.Is(err, session.ErrMessageCapacity):
		code = rpc.CodeMessageCapacityExceeded
	case errors.Is(err, session.ErrChatNotFound):
		code = rpc.CodeChatNotFound
	case errors.Is(err, collab.ErrUnauthenticated):
		code = rpc.CodeUnauthenticated
	case errors.Is(err, collab.ErrExtractionFailed):
		code = rpc.CodeExtractionFailed
	case errors.Is(err, collab.ErrUnavailable):
		code = rpc.CodeCollaboratorUnavailable
	}
	h.replyError(ctx, conn, id, code, err.Error())
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
