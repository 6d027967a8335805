// Package police implements the data.police.uk API client: availability
// discovery and paginated stop-and-search retrieval under a shared throttle.
package police

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
	"github.com/JakeFAU/stopsearch-ingest/internal/policy/ratelimit"
)

// DefaultBaseURL is the public police API root.
const DefaultBaseURL = "https://data.police.uk/api"

// maxPages caps pagination to catch an upstream that never returns an
// empty page.
const maxPages = 200

// Config controls client behavior.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client fetches stop-and-search data, gated by the shared throttle and
// retried per the policy. All methods are safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *ratelimit.Limiter
	retry      *ingest.RetryPolicy
	logger     *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, limiter *ratelimit.Limiter, retry *ingest.RetryPolicy, logger *zap.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		userAgent:  cfg.UserAgent,
		limiter:    limiter,
		retry:      retry,
		logger:     logger,
	}
}

type availabilityEntry struct {
	Date          string   `json:"date"`
	StopAndSearch []string `json:"stop-and-search"`
}

// Availability maps each force id to the months the API has published,
// ascending.
func (c *Client) Availability(ctx context.Context) (map[string][]time.Time, error) {
	body, err := c.getWithRetry(ctx, c.baseURL+"/crimes-street-dates")
	if err != nil {
		return nil, fmt.Errorf("fetch availability: %w", err)
	}

	var entries []availabilityEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode availability: %w", ingest.ErrMalformed)
	}

	out := make(map[string][]time.Time)
	for _, entry := range entries {
		if entry.Date == "" {
			continue
		}
		month, err := ingest.ParseMonth(entry.Date)
		if err != nil {
			c.logger.Warn("Skipping unparseable availability month", zap.String("date", entry.Date))
			continue
		}
		for _, force := range entry.StopAndSearch {
			out[force] = append(out[force], month)
		}
	}
	for force := range out {
		months := out[force]
		sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
		out[force] = months
	}
	return out, nil
}

// Fetch returns every record for one (force, period), walking pages until
// the API signals the end. Partial pages are discarded on failure: the
// period either fetches whole or not at all.
func (c *Client) Fetch(ctx context.Context, force string, period time.Time) ([]ingest.RawRecord, error) {
	month := period.Format("2006-01")
	var records []ingest.RawRecord

	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("pagination for %s %s exceeded %d pages: %w",
				force, month, maxPages, ingest.ErrMalformed)
		}

		query := url.Values{}
		query.Set("force", force)
		query.Set("date", month)
		if page > 1 {
			query.Set("page", strconv.Itoa(page))
		}

		body, err := c.getWithRetry(ctx, c.baseURL+"/stops-force?"+query.Encode())
		if err != nil {
			if errors.Is(err, errPastLastPage) {
				break
			}
			return nil, fmt.Errorf("fetch %s %s page %d: %w", force, month, page, err)
		}

		var fields []map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("decode %s %s page %d: %w", force, month, page, ingest.ErrMalformed)
		}
		if len(fields) == 0 {
			break
		}
		for _, f := range fields {
			records = append(records, ingest.RawRecord{Force: force, Period: period, Fields: f})
		}
	}

	c.logger.Debug("Fetched period",
		zap.String("force", force),
		zap.String("month", month),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// errPastLastPage marks a 404 on page > 1, the API's end-of-data signal.
var errPastLastPage = errors.New("past last page")

// getWithRetry performs a throttled GET with the policy's backoff loop.
func (c *Client) getWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.getOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, errPastLastPage) {
			return nil, err
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return nil, err
		}

		delay := c.retry.Backoff(err, attempt)
		c.logger.Warn("Request failed, backing off",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) getOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", ingest.ErrUnavailable)
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ingest.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		// The API 404s past the final page rather than returning [].
		if req.URL.Query().Get("page") != "" {
			return nil, errPastLastPage
		}
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ingest.ErrMalformed)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ingest.ErrUnavailable)
	default:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ingest.ErrMalformed)
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, ingest.ErrTimeout)
	}
	return fmt.Errorf("%v: %w", err, ingest.ErrUnavailable)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
