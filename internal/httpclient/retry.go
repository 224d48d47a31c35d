package httpclient

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy bounds the single retry DoWithRetry may take. A zero duration
// disables the retry for that class of response.
type RetryPolicy struct {
	// MaxWait429 caps how long a 429's Retry-After header is honoured.
	MaxWait429 time.Duration
	// Wait5xx is the fixed pause before retrying a 5xx.
	Wait5xx time.Duration
}

// DefaultRetryPolicy retries 429s (Retry-After capped at 60s) and 5xx after
// one second. The share sits behind nginx; a transient 502/503 during its own
// refresh window is common and clears within a second.
var DefaultRetryPolicy = RetryPolicy{
	MaxWait429: 60 * time.Second,
	Wait5xx:    time.Second,
}

// DoWithRetry performs req, retrying once on 429 or 5xx when the policy
// allows. Other statuses are returned as-is; only 2xx means the response was
// fine. The request must be body-less (GET or HEAD), since the retry is
// rebuilt from the method, URL and headers alone. Caller closes resp.Body
// when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	var wait time.Duration
	switch {
	case resp.StatusCode == http.StatusTooManyRequests && policy.MaxWait429 > 0:
		wait = retryAfter(resp.Header.Get("Retry-After"), policy.MaxWait429)
	case resp.StatusCode >= 500 && policy.Wait5xx > 0:
		wait = policy.Wait5xx
	default:
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(wait):
	}

	again, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		again.Header[k] = v
	}
	return client.Do(again)
}

// retryAfter interprets a Retry-After header as a wait. Delta-seconds and
// HTTP-date forms are both honoured; a missing or unparseable value falls
// back to one second. The result never exceeds limit.
func retryAfter(header string, limit time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	wait := time.Second
	if sec, err := strconv.Atoi(header); err == nil && sec >= 0 {
		wait = time.Duration(sec) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		wait = time.Until(at)
		if wait < 0 {
			wait = 0
		}
	}
	if wait > limit {
		return limit
	}
	return wait
}
