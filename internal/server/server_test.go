package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/behflow/BehflowAgent/internal/agent"
	"github.com/behflow/BehflowAgent/internal/auth"
	"github.com/behflow/BehflowAgent/internal/chat"
	"github.com/behflow/BehflowAgent/internal/storage"
)

type echoModel struct{}

func (echoModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("收到。", nil), nil
}

func (m echoModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m echoModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return m, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, storage.Config{
		Path: filepath.Join(t.TempDir(), "behagent.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry, err := agent.NewToolRegistry(ctx, agent.GetTools(store))
	require.NoError(t, err)
	opts := agent.Options{RetryBackoff: time.Millisecond}
	runnable, err := agent.BuildGraphWithModel(ctx, echoModel{}, registry, opts, zap.NewNop())
	require.NoError(t, err)

	authSvc := auth.NewService(store, time.Hour, zap.NewNop())
	chatSvc := chat.NewServiceWithRunnable(runnable, opts, store, zap.NewNop())

	return New(Config{}, store, authSvc, chatSvc, zap.NewNop())
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.True(t, envelope.Success, "error: %s", envelope.Error)
	if out != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, out))
	}
}

func registerAndLogin(t *testing.T, srv *Server, username string) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: username, Password: "secret123", Name: "Test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, http.MethodPost, "/api/auth/login", "", LoginRequest{
		Username: username, Password: "secret123",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var login LoginResponse
	decodeData(t, rec, &login)
	require.NotEmpty(t, login.Token)
	return login.Token
}

func TestAuthFlow(t *testing.T) {
	srv := newTestServer(t)

	token := registerAndLogin(t, srv, "alice")

	// 未带令牌访问业务端点
	rec := doJSON(t, srv, http.MethodGet, "/api/tasks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 带令牌访问
	rec = doJSON(t, srv, http.MethodGet, "/api/tasks", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 重复用户名
	rec = doJSON(t, srv, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: "alice", Password: "secret123",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// 错误口令
	rec = doJSON(t, srv, http.MethodPost, "/api/auth/login", "", LoginRequest{
		Username: "alice", Password: "wrongpass",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTaskCRUDAndOwnership(t *testing.T) {
	srv := newTestServer(t)
	tokenA := registerAndLogin(t, srv, "alice")
	tokenB := registerAndLogin(t, srv, "bob")

	name := "write report"
	priority := "high"
	rec := doJSON(t, srv, http.MethodPost, "/api/tasks", tokenA, TaskRequest{
		Name: &name, Priority: &priority, Tags: []string{"work"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created TaskResponse
	decodeData(t, rec, &created)
	assert.Equal(t, "write report", created.Name)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "high", created.Priority)

	// 他人任务读/改/删一律 404，不区分存在性
	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/"+created.TaskID, tokenB, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	status := "completed"
	rec = doJSON(t, srv, http.MethodPut, "/api/tasks/"+created.TaskID, tokenB, TaskRequest{Status: &status})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, srv, http.MethodDelete, "/api/tasks/"+created.TaskID, tokenB, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 属主可以更新
	rec = doJSON(t, srv, http.MethodPut, "/api/tasks/"+created.TaskID, tokenA, TaskRequest{Status: &status})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated TaskResponse
	decodeData(t, rec, &updated)
	assert.Equal(t, "completed", updated.Status)
	assert.NotNil(t, updated.CompletedAt)

	// 列表过滤
	rec = doJSON(t, srv, http.MethodGet, "/api/tasks?status=completed&tag=work", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []TaskResponse
	decodeData(t, rec, &tasks)
	require.Len(t, tasks, 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/tasks?status=bogus", tokenA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 属主删除
	rec = doJSON(t, srv, http.MethodDelete, "/api/tasks/"+created.TaskID, tokenA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/api/tasks/"+created.TaskID, tokenA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatEndpoint(t *testing.T) {
	srv := newTestServer(t)
	tokenA := registerAndLogin(t, srv, "alice")
	tokenB := registerAndLogin(t, srv, "bob")

	rec := doJSON(t, srv, http.MethodPost, "/api/chat", tokenA, ChatRequest{Message: "你好"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ChatResponse
	decodeData(t, rec, &res)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "收到。", res.Reply)

	// 续聊同一会话
	rec = doJSON(t, srv, http.MethodPost, "/api/chat", tokenA, ChatRequest{SessionID: res.SessionID, Message: "再说一句"})
	require.Equal(t, http.StatusOK, rec.Code)

	// 他人会话不可见
	rec = doJSON(t, srv, http.MethodPost, "/api/chat", tokenB, ChatRequest{SessionID: res.SessionID, Message: "steal"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, srv, http.MethodGet, "/api/chat/sessions/"+res.SessionID+"/messages", tokenB, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 会话列表与历史
	rec = doJSON(t, srv, http.MethodGet, "/api/chat/sessions", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []SessionResponse
	decodeData(t, rec, &sessions)
	require.Len(t, sessions, 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/chat/sessions/"+res.SessionID+"/messages", tokenA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []MessageResponse
	decodeData(t, rec, &msgs)
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}
