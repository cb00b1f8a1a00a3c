// Package forwarder implements the upstream forwarder: a single
// bounded-timeout POST to the configured JSON-RPC backend, no retries,
// no rewriting of id/method/params.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cppnexus/rpc-shield/internal/jsonrpc"
)

// Error wraps any forwarding failure: timeout, connection failure,
// non-2xx status, or body-decode failure. The pipeline treats all of
// them uniformly, so callers only need to know one occurred.
type Error struct {
	cause error
}

func (e *Error) Error() string { return fmt.Sprintf("upstream error: %v", e.cause) }
func (e *Error) Unwrap() error { return e.cause }

// Forwarder POSTs JsonRpcRequests to a fixed backend URL.
type Forwarder struct {
	url    string
	client *http.Client
}

// New builds a Forwarder with a client-wide timeout. The client is
// shared across all requests and carries the stdlib transport's
// connection pooling.
func New(backendURL string, timeout time.Duration) *Forwarder {
	return &Forwarder{
		url: backendURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Forward performs the single POST and decodes the reply. ctx governs
// cancellation in addition to the client's own timeout; the forwarder
// must not outlive the inbound request context.
func (f *Forwarder) Forward(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, &Error{cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return jsonrpc.Response{}, &Error{cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return jsonrpc.Response{}, &Error{cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return jsonrpc.Response{}, &Error{cause: fmt.Errorf("upstream returned status %d", resp.StatusCode)}
	}

	var rpcResp jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return jsonrpc.Response{}, &Error{cause: fmt.Errorf("failed to decode upstream response: %w", err)}
	}

	return rpcResp, nil
}
