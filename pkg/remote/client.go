package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	obsmetrics "github.com/caiconghui/kudu/pkg/observability/metrics"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// GetJSON fetches addr+path and decodes the JSON body into out, retrying
// transient failures with backoff.
func (c *Client) GetJSON(ctx context.Context, addr, path string, out any) error {
	return c.do(ctx, http.MethodGet, addr, path, nil, out)
}

// PostJSON posts in as JSON to addr+path and decodes the response into out,
// retrying transient failures with backoff.
func (c *Client) PostJSON(ctx context.Context, addr, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, addr, path, body, out)
}

func (c *Client) do(ctx context.Context, method, addr, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			obsmetrics.RPCRetries.Inc()
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url(addr, path), reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				b, readErr := io.ReadAll(resp.Body)
				if readErr != nil {
					lastErr = readErr
					return
				}
				if resp.StatusCode != http.StatusOK {
					lastErr = fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(b))
					return
				}
				if out != nil {
					if err := json.Unmarshal(b, out); err != nil {
						lastErr = fmt.Errorf("%s %s: decode: %w", method, path, err)
						return
					}
				}
				lastErr = nil
			}()
			if lastErr == nil {
				return nil
			}
		}
		// backoff unless context is done
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}
