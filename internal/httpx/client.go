package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	clierr "github.com/ggonzalez94/txflow/internal/errors"
)

// ErrNotFound is returned (wrapped) when the remote service answers 404.
var ErrNotFound = errors.New("resource not found")

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  "txflow/0.1",
	}
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		cloneReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "clone request body", err)
			}
			cloneReq.Body = body
		}

		resp, err := c.httpClient.Do(cloneReq)
		if err != nil {
			lastErr = mapNetError(err)
			if attempt < c.retries {
				continue
			}
			return nil, lastErr
		}

		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "read service response", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = clierr.New(clierr.CodeRateLimited, "service rate limited request")
			if attempt < c.retries {
				continue
			}
			return resp.Header, lastErr
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return resp.Header, clierr.New(clierr.CodeAuth, "service authentication failed")
		case resp.StatusCode == http.StatusNotFound:
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "service returned 404", ErrNotFound)
		case resp.StatusCode >= http.StatusInternalServerError:
			lastErr = clierr.New(clierr.CodeUnavailable, fmt.Sprintf("service unavailable (status %d)", resp.StatusCode))
			if attempt < c.retries {
				continue
			}
			return resp.Header, lastErr
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return resp.Header, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("service returned unexpected status %d: %s", resp.StatusCode, truncate(buf, 256)))
		}

		if out == nil {
			return resp.Header, nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return resp.Header, clierr.New(clierr.CodeUnavailable, "service returned empty response")
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return resp.Header, clierr.Wrap(clierr.CodeUnavailable, "decode service JSON", err)
		}
		return resp.Header, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, clierr.New(clierr.CodeUnavailable, "request failed")
}

// DoBodyJSON sends body (JSON-encoded when non-nil) and decodes the response into out.
func (c *Client) DoBodyJSON(ctx context.Context, method, url string, body any, out any) (http.Header, error) {
	var payload []byte
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "encode request body", err)
		}
		payload = buf
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		}
	}
	return c.DoJSON(ctx, req, out)
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "service timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "service request failed", err)
}

func backoff(attempt int) time.Duration {
	base := 120 * time.Millisecond
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	jitter := time.Duration(rand.Intn(75)) * time.Millisecond
	return d + jitter
}

func truncate(buf []byte, n int) string {
	s := string(bytes.TrimSpace(buf))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
