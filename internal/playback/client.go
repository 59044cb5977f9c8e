package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/evanharte/playsync/internal/logger"
	"github.com/evanharte/playsync/internal/util"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultRequestRate = 200 * time.Millisecond
	maxAttempts        = 3
	burstSize          = 5
)

// Client talks to the playback service's REST API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *util.RateLimiter
	log        *logger.Logger
}

// NewClient creates a playback client for the given server and API token
func NewClient(baseURL, token string) *Client {
	return NewClientWithRate(baseURL, token, defaultRequestRate)
}

// NewClientWithRate creates a playback client with a specific minimum
// interval between requests
func NewClientWithRate(baseURL, token string, rate time.Duration) *Client {
	if rate <= 0 {
		rate = defaultRequestRate
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    util.NewRateLimiter(rate, burstSize),
		log:        logger.Get(),
	}
}

// StatusError is a non-2xx response from the playback service
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("playback API returned status %d: %s", e.Code, e.Body)
}

// retryable reports whether an error is worth retrying. Rate limits and
// server errors are transient; 4xx responses are not.
func retryable(err error) bool {
	if se, ok := err.(*StatusError); ok {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	// Network-level failures
	return true
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			req.Header.Set("Accept", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			if resp.StatusCode == http.StatusTooManyRequests {
				c.limiter.OnRateLimit(parseRetryAfter(resp))
				return &StatusError{Code: resp.StatusCode, Body: string(body)}
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				se := &StatusError{Code: resp.StatusCode, Body: string(body)}
				if !retryable(se) {
					return retry.Unrecoverable(se)
				}
				return se
			}

			if err := json.Unmarshal(body, out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to decode playback response: %w", err))
			}
			c.limiter.ResetRate()
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("Retrying playback request", map[string]interface{}{
				"path":    path,
				"attempt": n + 1,
				"error":   err.Error(),
			})
		}),
	)
}

// parseRetryAfter reads the Retry-After header, falling back to zero so the
// limiter applies its own backoff
func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// ListSessions fetches one page of listening sessions for an external user.
// When updatedAfter is non-nil only sessions updated since that instant are
// returned. Pages are zero-based.
func (c *Client) ListSessions(ctx context.Context, extUserID string, updatedAfter *time.Time, page, pageSize int) (*SessionPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("itemsPerPage", strconv.Itoa(pageSize))
	if extUserID != "" {
		q.Set("user", extUserID)
	}
	if updatedAfter != nil {
		q.Set("updatedAfter", strconv.FormatInt(updatedAfter.UnixMilli(), 10))
	}

	var out SessionPage
	if err := c.getJSON(ctx, "/api/sessions", q, &out); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if out.PageSize == 0 {
		out.PageSize = pageSize
	}
	return &out, nil
}

// GetItemProgress fetches the current progress snapshot for one item, used
// when a listed session is too sparse to reconcile on its own. Returns nil
// when the service has no progress for the item.
func (c *Client) GetItemProgress(ctx context.Context, extUserID, itemID string) (*Session, error) {
	q := url.Values{}
	if extUserID != "" {
		q.Set("user", extUserID)
	}

	var out Session
	err := c.getJSON(ctx, "/api/items/"+url.PathEscape(itemID)+"/progress", q, &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch item progress: %w", err)
	}
	if out.ItemID == nil {
		out.ItemID = &itemID
	}
	return &out, nil
}

// GetItemDetail fetches full metadata for one item. Returns nil when the
// item is unknown to the service.
func (c *Client) GetItemDetail(ctx context.Context, itemID string) (*ItemDetail, error) {
	var out ItemDetail
	err := c.getJSON(ctx, "/api/items/"+url.PathEscape(itemID), nil, &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch item detail: %w", err)
	}
	if out.ID == "" {
		out.ID = itemID
	}
	if out.DurationMs == 0 && out.Duration > 0 {
		out.DurationMs = int64(out.Duration * 1000)
	}
	return &out, nil
}

// GetCurrentUser returns the user the configured token authenticates as
func (c *Client) GetCurrentUser(ctx context.Context) (*UserInfo, error) {
	var out UserInfo
	if err := c.getJSON(ctx, "/api/me", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch current user: %w", err)
	}
	return &out, nil
}
