// Package apiclient is a retrying client for the Cumulus HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/ingest"
	"github.com/cumulusdata/cumulus/internal/relocate"
	"github.com/cumulusdata/cumulus/internal/store"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers match API errors against the record sentinels.
func (e *HTTPError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return target == cumulus.ErrRecordNotFound
	case http.StatusConflict:
		return target == cumulus.ErrCollision || (e.Code == "associated_records" && target == cumulus.ErrAssociated)
	case http.StatusBadRequest:
		return target == cumulus.ErrInvalidInput || (e.Code == "reference_not_found" && target == cumulus.ErrReference)
	}
	return false
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func granulePath(collectionID, granuleID string) string {
	return "/v1/granules/" + url.PathEscape(collectionID) + "/" + url.PathEscape(granuleID)
}

func (c *Client) GetGranule(ctx context.Context, collectionID, granuleID string) (cumulus.Granule, error) {
	var out cumulus.Granule
	err := c.doJSON(ctx, http.MethodGet, granulePath(collectionID, granuleID), nil, &out)
	return out, err
}

// MoveGranule relocates a granule's files. A partial failure is returned as
// a *cumulus.PartialRelocationError alongside the persisted granule.
// Partial failures are not retried.
func (c *Client) MoveGranule(ctx context.Context, collectionID, granuleID string, destinations []relocate.Destination) (relocate.Result, error) {
	var out relocate.Result
	body := map[string]any{"destinations": destinations}
	err := c.doJSON(ctx, http.MethodPost, granulePath(collectionID, granuleID)+"/move", body, &out)
	return out, err
}

func (c *Client) DeadLetters(ctx context.Context, limit int) ([]ingest.DeadLetter, error) {
	var out struct {
		Items []ingest.DeadLetter `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/dead-letters?limit="+strconv.Itoa(limit), nil, &out)
	return out.Items, err
}

func (c *Client) ReplayDeadLetter(ctx context.Context, envelopeID string) (ingest.Accepted, error) {
	var out ingest.Accepted
	err := c.doJSON(ctx, http.MethodPost, "/v1/admin/dead-letters/"+url.PathEscape(envelopeID)+"/replay", nil, &out)
	return out, err
}

func (c *Client) Drift(ctx context.Context, limit int) ([]store.Drift, error) {
	var out struct {
		Items []store.Drift `json:"items"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/admin/drift?limit="+strconv.Itoa(limit), nil, &out)
	return out.Items, err
}

type partialPayload struct {
	Code      string                    `json:"code"`
	GranuleID string                    `json:"granuleId"`
	Failures  []cumulus.FileMoveFailure `json:"failures"`
	Granule   cumulus.Granule           `json:"granule"`
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := "cli_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		var partial partialPayload
		if resp.StatusCode == http.StatusInternalServerError && json.Unmarshal(payload, &partial) == nil && partial.Code == "partial_relocation" {
			if res, ok := out.(*relocate.Result); ok {
				res.Granule = partial.Granule
			}
			return &cumulus.PartialRelocationError{GranuleID: partial.GranuleID, Failures: partial.Failures}
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(payload))
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
