package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cppnexus/rpc-shield/internal/jsonrpc"
)

func TestForwardSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := jsonrpc.Response{JSONRPC: "2.0", Result: json.RawMessage(`"0x1"`), ID: req.ID}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	f := New(srv.URL, time.Second)
	req := jsonrpc.Request{JSONRPC: "2.0", Method: "eth_blockNumber", ID: json.RawMessage(`1`)}
	resp, err := f.Forward(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.ID) != "1" {
		t.Errorf("id = %s, want 1", resp.ID)
	}
	if string(resp.Result) != `"0x1"` {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestForwardNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(srv.URL, time.Second)
	_, err := f.Forward(context.Background(), jsonrpc.Request{JSONRPC: "2.0", Method: "eth_call"})
	if err == nil {
		t.Fatal("expected error on non-2xx upstream response")
	}
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	f := New(srv.URL, 5*time.Millisecond)
	_, err := f.Forward(context.Background(), jsonrpc.Request{JSONRPC: "2.0", Method: "eth_call"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
