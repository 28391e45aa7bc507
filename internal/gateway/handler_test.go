package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rpcbatchd/internal/cache"
	"rpcbatchd/internal/config"
	"rpcbatchd/internal/jsonrpc"
	"rpcbatchd/internal/plugin"
)

func newTestHandler(t *testing.T, group *Group, rpcCache cache.Cache, policy *cache.Policy) *Handler {
	t.Helper()

	router := NewRouter()
	router.AddGroup(group)

	if rpcCache == nil {
		rpcCache = cache.NewNoopCache()
	}

	return NewHandler(router, rpcCache, policy, nil, &config.Config{}, zerolog.Nop())
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_SingleRequest(t *testing.T) {
	server := httptest.NewServer(echoRPC(t, nil))
	defer server.Close()

	group := newTestGroup(t, testConfig(), server.URL)
	handler := newTestHandler(t, group, nil, nil)

	rec := postJSON(t, handler, "/test", `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[42],"id":1}`)

	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.IsSuccess() {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if string(resp.Result) != "[42]" {
		t.Errorf("result = %s, want [42]", resp.Result)
	}
	if id, _ := resp.ID.Int64(); id != 1 {
		t.Errorf("id = %v, want 1", resp.ID.Value())
	}
}

func TestHandler_BatchRequest(t *testing.T) {
	server := httptest.NewServer(echoRPC(t, nil))
	defer server.Close()

	group := newTestGroup(t, testConfig(), server.URL)
	handler := newTestHandler(t, group, nil, nil)

	body := `[
		{"jsonrpc":"2.0","method":"eth_blockNumber","params":[1],"id":1},
		{"jsonrpc":"2.0","method":"eth_blockNumber","params":[2],"id":2}
	]`
	rec := postJSON(t, handler, "/test", body)

	var responses []*jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &responses); err != nil {
		t.Fatalf("failed to parse batch response: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want 2", len(responses))
	}
	for i, resp := range responses {
		if !resp.IsSuccess() {
			t.Errorf("response %d has error: %v", i, resp.Error)
		}
	}
	// Responses keep client order
	if string(responses[0].Result) != "[1]" || string(responses[1].Result) != "[2]" {
		t.Errorf("results out of order: %s, %s", responses[0].Result, responses[1].Result)
	}
}

func TestHandler_RejectsNonPOST(t *testing.T) {
	server := httptest.NewServer(echoRPC(t, nil))
	defer server.Close()

	group := newTestGroup(t, testConfig(), server.URL)
	handler := newTestHandler(t, group, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandler_ParseErrorResponse(t *testing.T) {
	server := httptest.NewServer(echoRPC(t, nil))
	defer server.Close()

	group := newTestGroup(t, testConfig(), server.URL)
	handler := newTestHandler(t, group, nil, nil)

	rec := postJSON(t, handler, "/test", `{not json`)

	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.HasError() || resp.Error.Code != jsonrpc.CodeParseError {
		t.Errorf("expected parse error, got %v", resp.Error)
	}
}

func TestHandler_BodySizeLimit(t *testing.T) {
	server := httptest.NewServer(echoRPC(t, nil))
	defer server.Close()

	group := newTestGroup(t, testConfig(), server.URL)

	router := NewRouter()
	router.AddGroup(group)
	handler := NewHandler(router, cache.NewNoopCache(), nil, nil, &config.Config{MaxBodySize: 64}, zerolog.Nop())

	big := `{"jsonrpc":"2.0","method":"eth_call","params":["` + strings.Repeat("x", 128) + `"],"id":1}`
	rec := postJSON(t, handler, "/test", big)

	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.HasError() || resp.Error.Code != jsonrpc.CodeInvalidRequest {
		t.Errorf("expected invalid request error, got %v", resp.Error)
	}
}

func TestHandler_BatchMismatchErrorCode(t *testing.T) {
	// Two responses for a one-request batch
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"jsonrpc":"2.0","id":0,"result":"a"},
			{"jsonrpc":"2.0","id":1,"result":"b"}
		]`))
	}))
	defer server.Close()

	group := newTestGroup(t, testConfig(), server.URL)
	handler := newTestHandler(t, group, nil, nil)

	rec := postJSON(t, handler, "/test", `{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`)

	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.HasError() || resp.Error.Code != jsonrpc.CodeBatchMismatch {
		t.Errorf("expected batch mismatch error, got %v", resp.Error)
	}
}

// stubRunner serves one plugin method with a fixed result
type stubRunner struct {
	method string
}

func (s *stubRunner) HasPlugin(method string) bool { return method == s.method }

func (s *stubRunner) Execute(ctx context.Context, method string, id jsonrpc.ID, params json.RawMessage, caller plugin.Caller) *jsonrpc.Response {
	return jsonrpc.NewResponseRaw(id, json.RawMessage(`"plugged"`))
}

func (s *stubRunner) GetMethods() []string { return []string{s.method} }
func (s *stubRunner) Close()               {}

func TestHandler_PluginShortCircuitsUpstream(t *testing.T) {
	var upstreamCalls atomic.Int64
	server := httptest.NewServer(echoRPC(t, &upstreamCalls))
	defer server.Close()

	group := newTestGroup(t, testConfig(), server.URL)

	router := NewRouter()
	router.AddGroup(group)
	handler := NewHandler(router, cache.NewNoopCache(), nil, &stubRunner{method: "custom_x"}, &config.Config{}, zerolog.Nop())

	rec := postJSON(t, handler, "/test", `{"jsonrpc":"2.0","method":"custom_x","params":[],"id":9}`)

	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if string(resp.Result) != `"plugged"` {
		t.Errorf("result = %s, want \"plugged\"", resp.Result)
	}
	if id, _ := resp.ID.Int64(); id != 9 {
		t.Errorf("id = %v, want 9", resp.ID.Value())
	}
	if calls := upstreamCalls.Load(); calls != 0 {
		t.Errorf("upstream saw %d calls, want 0", calls)
	}
}

func TestHandler_CacheHitSkipsUpstream(t *testing.T) {
	var upstreamCalls atomic.Int64
	server := httptest.NewServer(echoRPC(t, &upstreamCalls))
	defer server.Close()

	group := newTestGroup(t, testConfig(), server.URL)

	memCache, err := cache.NewMemoryCache(16, time.Minute)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer memCache.Close()
	policy := cache.NewPolicy([]string{"eth_chainId"})

	handler := newTestHandler(t, group, memCache, policy)

	body := `{"jsonrpc":"2.0","method":"eth_chainId","params":[],"id":1}`

	first := postJSON(t, handler, "/test", body)
	second := postJSON(t, handler, "/test", body)

	if calls := upstreamCalls.Load(); calls != 1 {
		t.Errorf("upstream saw %d calls, want 1 (second should hit cache)", calls)
	}

	var resp1, resp2 jsonrpc.Response
	if err := json.Unmarshal(first.Body.Bytes(), &resp1); err != nil {
		t.Fatalf("failed to parse first response: %v", err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("failed to parse second response: %v", err)
	}
	if !bytes.Equal(resp1.Result, resp2.Result) {
		t.Errorf("cached result differs: %s vs %s", resp1.Result, resp2.Result)
	}
}
