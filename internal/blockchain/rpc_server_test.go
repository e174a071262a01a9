package blockchain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeRPC 最小 JSON-RPC 服务端，按方法名返回预设结果
type fakeRPC struct {
	mu      sync.Mutex
	results map[string]interface{}
	errors  map[string]string
	calls   map[string]int
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		results: map[string]interface{}{"eth_chainId": "0xe52"},
		errors:  map[string]string{},
		calls:   map[string]int{},
	}
}

func (f *fakeRPC) set(method string, result interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = result
}

func (f *fakeRPC) fail(method, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[method] = message
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Method]++
	result, ok := f.results[req.Method]
	errMsg, failed := f.errors[req.Method]
	f.mu.Unlock()

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case failed:
		resp["error"] = map[string]interface{}{"code": -32000, "message": errMsg}
	case !ok:
		resp["error"] = map[string]interface{}{"code": -32601, "message": "the method " + req.Method + " does not exist/is not available"}
	default:
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func startFakeRPC(t *testing.T) (*fakeRPC, *httptest.Server) {
	t.Helper()
	f := newFakeRPC()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}
