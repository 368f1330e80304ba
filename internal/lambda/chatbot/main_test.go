package main

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/dao/querylogdao"
	"github.com/savaki/chatbot-deployer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProcessor struct {
	queries []string
}

func (m *mockProcessor) Process(ctx context.Context, query string) models.Response {
	m.queries = append(m.queries, query)
	return models.Response{Joke: &models.JokeData{Setup: "Why?", Punchline: "Because."}}
}

type mockQueryLog struct {
	queries []string
	err     error
}

func (m *mockQueryLog) Log(ctx context.Context, query string, response any) (*querylogdao.Record, error) {
	m.queries = append(m.queries, query)
	if m.err != nil {
		return nil, m.err
	}
	return &querylogdao.Record{ID: "id", Query: query}, nil
}

func newTestServer(t *testing.T, queryLog *mockQueryLog) (*httptest.Server, *mockProcessor) {
	t.Helper()

	processor := &mockProcessor{}
	h := &Handler{processor: processor, queryLog: queryLog}
	server := httptest.NewServer(loggingMiddleware(zerolog.New(io.Discard))(h.setupRouter()))
	t.Cleanup(server.Close)
	return server, processor
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHandleChatbot_Body(t *testing.T) {
	queryLog := &mockQueryLog{}
	server, processor := newTestServer(t, queryLog)

	resp, err := http.Post(server.URL+"/chatbot", "application/json", strings.NewReader(`{"query":"tell me a joke"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"joke":{"setup":"Why?","punchline":"Because."}}`, readBody(t, resp))
	assert.Equal(t, []string{"tell me a joke"}, processor.queries)
	assert.Equal(t, []string{"tell me a joke"}, queryLog.queries)
}

func TestHandleChatbot_QueryString(t *testing.T) {
	server, processor := newTestServer(t, &mockQueryLog{})

	resp, err := http.Get(server.URL + "/chatbot?query=weather+in+Paris")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)
	assert.Equal(t, []string{"weather in Paris"}, processor.queries)
}

func TestHandleChatbot_RootPath(t *testing.T) {
	server, processor := newTestServer(t, &mockQueryLog{})

	resp, err := http.Post(server.URL+"/", "application/json", strings.NewReader(`{"query":"joke"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)
	assert.Len(t, processor.queries, 1)
}

func TestHandleChatbot_MissingQuery(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "empty query", body: `{"query":""}`},
		{name: "no query field", body: `{"question":"joke"}`},
		{name: "invalid json", body: `{query`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queryLog := &mockQueryLog{}
			server, processor := newTestServer(t, queryLog)

			resp, err := http.Post(server.URL+"/chatbot", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.JSONEq(t, `{"error":"Missing query"}`, readBody(t, resp))
			assert.Empty(t, processor.queries)
			assert.Empty(t, queryLog.queries)
		})
	}
}

func TestHandleChatbot_BodyWinsOverQueryString(t *testing.T) {
	server, processor := newTestServer(t, &mockQueryLog{})

	resp, err := http.Post(server.URL+"/chatbot?query=joke", "application/json", strings.NewReader(`{"question":"joke"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = readBody(t, resp)
	assert.Empty(t, processor.queries)
}

func TestHandleChatbot_WhitespaceQueryIsProcessed(t *testing.T) {
	queryLog := &mockQueryLog{}
	server, processor := newTestServer(t, queryLog)

	resp, err := http.Post(server.URL+"/chatbot", "application/json", strings.NewReader(`{"query":"   "}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)
	assert.Equal(t, []string{"   "}, processor.queries)
	assert.Equal(t, []string{"   "}, queryLog.queries)
}

func TestHandleChatbot_LogFailureIgnored(t *testing.T) {
	server, _ := newTestServer(t, &mockQueryLog{err: stderrors.New("ResourceNotFoundException")})

	resp, err := http.Post(server.URL+"/chatbot", "application/json", strings.NewReader(`{"query":"joke"}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = readBody(t, resp)
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, &mockQueryLog{})

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))
}
