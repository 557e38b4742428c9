package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
)

// NetHTTPClient is the default HttpClient implementation, backed by
// net/http.
type NetHTTPClient struct {
	client *http.Client

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewNetHTTPClient constructs a NetHTTPClient using the given *http.Client,
// or http.DefaultClient if nil.
func NewNetHTTPClient(client *http.Client) *NetHTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &NetHTTPClient{client: client, cancels: make(map[string]context.CancelFunc)}
}

func (c *NetHTTPClient) SendRequestAsync(ctx context.Context, requestID string, req *Request, onResponse func(*Response)) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[requestID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.cancels, requestID)
			c.mu.Unlock()
			cancel()
		}()

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			onResponse(&Response{Err: err})
			return
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := c.client.Do(httpReq)
		if err != nil {
			if ctx.Err() == context.Canceled {
				onResponse(&Response{Aborted: true})
				return
			}
			onResponse(&Response{Err: err})
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			onResponse(&Response{Err: err})
			return
		}

		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}

		onResponse(&Response{StatusCode: resp.StatusCode, Headers: headers, Body: body})
	}()
}

func (c *NetHTTPClient) CancelRequestAsync(requestID string) {
	c.mu.Lock()
	cancel, ok := c.cancels[requestID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}
