package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/teslashibe/biovision/internal/httpc"
)

// DefaultRetryDelay is the wait before the single retry of a failed feed.
const DefaultRetryDelay = 2 * time.Second

// ErrFeedUnavailable is returned once both attempts to open a feed failed.
var ErrFeedUnavailable = errors.New("video: feed unavailable")

// Camera channels served by the processing server.
const (
	ChannelTilt    = 1
	ChannelPosture = 2
)

// FeedURL returns the MJPEG endpoint of a channel.
func FeedURL(serverURL string, channel int) string {
	return fmt.Sprintf("%s/video_feed_%d", serverURL, channel)
}

// Fetcher opens MJPEG feeds.
type Fetcher struct {
	client     *http.Client
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewFetcher creates a fetcher. A nil client uses httpc.Streaming; a
// non-positive retryDelay uses DefaultRetryDelay.
func NewFetcher(client *http.Client, retryDelay time.Duration, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = httpc.Streaming
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:     client,
		retryDelay: retryDelay,
		logger:     logger,
		now:        time.Now,
	}
}

// Open requests feedURL. On failure it waits RetryDelay and tries exactly
// once more with a cache-busting query; a second failure is returned
// wrapped in ErrFeedUnavailable.
func (f *Fetcher) Open(ctx context.Context, feedURL string) (*Reader, error) {
	r, err := f.get(ctx, feedURL)
	if err == nil {
		return r, nil
	}
	f.logger.Warn("video feed failed, retrying", "url", feedURL, "error", err, "delay", f.retryDelay)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.retryDelay):
	}

	retryURL, uerr := cacheBust(feedURL, f.now())
	if uerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, uerr)
	}
	r, err = f.get(ctx, retryURL)
	if err != nil {
		f.logger.Warn("video feed retry failed", "url", retryURL, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	return r, nil
}

func (f *Fetcher) get(ctx context.Context, feedURL string) (*Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	r, err := NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	return r, nil
}

// cacheBust replaces the query with the current Unix millisecond time.
func cacheBust(raw string, now time.Time) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.RawQuery = strconv.FormatInt(now.UnixMilli(), 10)
	return u.String(), nil
}
