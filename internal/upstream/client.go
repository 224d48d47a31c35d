package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/snapetech/epgmerge/internal/httpclient"
)

// UserAgent identifies the merger to the share.
const UserAgent = "epg-merge/1.0"

// Client fetches listings, channel lists and feeds from one share.
//
// HTTP serves short control requests and carries the default 30s timeout.
// Stream serves feed downloads; it has no client timeout, so callers bound
// downloads with a context deadline. Limiter paces all requests and may be
// nil.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Stream  *http.Client
	Limiter *rate.Limiter
}

// NewClient builds a Client for baseURL. Empty baseURL means the default
// share.
func NewClient(baseURL string, limiter *rate.Limiter) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    httpclient.Default(),
		Stream:  httpclient.WithTimeout(0),
		Limiter: limiter,
	}
}

// ListSources fetches the folder's autoindex and returns the feeds it
// publishes, sorted by filename. Channel-list files and parent links are
// filtered out.
func (c *Client) ListSources(ctx context.Context, timeframe int, feedType string) ([]Source, error) {
	folder, err := FolderFor(timeframe, feedType)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, c.HTTP, c.BaseURL+folder+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("list "+folder, resp.StatusCode)
	}
	sources, err := parseAutoindex(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Filename < sources[j].Filename })
	return sources, nil
}

// FetchChannelList downloads the channel-list file for a feed and returns
// its channel ids. Blank lines and # comments are skipped. A missing list
// reports ErrNotFound so callers can skip the source.
func (c *Client) FetchChannelList(ctx context.Context, timeframe int, feedType, sourceFilename string) ([]string, error) {
	folder, err := FolderFor(timeframe, feedType)
	if err != nil {
		return nil, err
	}
	name := ChannelListName(sourceFilename)
	resp, err := c.do(ctx, c.HTTP, c.fileURL(folder, name))
	if err != nil {
		return nil, fmt.Errorf("channel list %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr("channel list "+name, resp.StatusCode)
	}

	var ids []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("channel list %s: %w", name, err)
	}
	return ids, nil
}

// ContentLength issues a HEAD for a feed and reports its size, or -1 when
// the share does not expose one. Used for change detection against a cached
// copy.
func (c *Client) ContentLength(ctx context.Context, timeframe int, feedType, filename string) (int64, error) {
	folder, err := FolderFor(timeframe, feedType)
	if err != nil {
		return 0, err
	}
	req, err := c.newRequest(ctx, http.MethodHead, c.fileURL(folder, filename))
	if err != nil {
		return 0, err
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	resp, err := httpclient.DoWithRetry(ctx, c.HTTP, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return 0, fmt.Errorf("head %s: %w: %v", filename, ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, statusErr("head "+filename, resp.StatusCode)
	}
	return resp.ContentLength, nil
}

// Download opens a feed for streaming. The caller closes the body and bounds
// the read with a context deadline.
func (c *Client) Download(ctx context.Context, timeframe int, feedType, filename string) (io.ReadCloser, int64, error) {
	folder, err := FolderFor(timeframe, feedType)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.do(ctx, c.Stream, c.fileURL(folder, filename))
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", filename, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, 0, statusErr("download "+filename, resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) fileURL(folder, filename string) string {
	return c.BaseURL + folder + "/" + url.PathEscape(filename)
}

func (c *Client) newRequest(ctx context.Context, method, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	return req, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.Limiter == nil {
		return nil
	}
	return c.Limiter.Wait(ctx)
}

func (c *Client) do(ctx context.Context, client *http.Client, u string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, u)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func statusErr(op string, code int) error {
	if code == http.StatusNotFound {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: status %d: %w", op, code, ErrUnavailable)
}
