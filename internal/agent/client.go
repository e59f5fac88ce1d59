package agent

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

	"github.com/orehaul/haulsync/internal/haulage"
)

// APIError carries the server's error envelope. Terminal statuses mean the
// request itself is bad and retrying the same payload cannot succeed.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) IsTerminal() bool {
	switch e.StatusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewAPIClient(baseURL, token string, httpClient *http.Client) *APIClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *APIClient) BaseURL() string {
	return c.baseURL
}

func (c *APIClient) Token() string {
	return c.token
}

// CreateDelivery submits a queued creation. idemKey is the outbox entry's
// local id; a re-submission after a lost response replays the original
// outcome server-side instead of reserving twice.
func (c *APIClient) CreateDelivery(ctx context.Context, idemKey string, in haulage.CreateDeliveryInput) (haulage.CreateDeliveryResult, error) {
	var out haulage.CreateDeliveryResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/deliveries", map[string]string{"Idempotency-Key": idemKey}, in, &out)
	return out, err
}

func (c *APIClient) AppendCheckpoint(ctx context.Context, trackingID, idemKey string, in haulage.AppendCheckpointInput) (haulage.AppendCheckpointResult, error) {
	var out haulage.AppendCheckpointResult
	path := fmt.Sprintf("/v1/deliveries/%s/checkpoints", url.PathEscape(trackingID))
	err := c.doJSON(ctx, http.MethodPost, path, map[string]string{"Idempotency-Key": idemKey}, in, &out)
	return out, err
}

func (c *APIClient) GetDelivery(ctx context.Context, trackingID string) (haulage.Delivery, error) {
	var out haulage.Delivery
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/deliveries/%s", url.PathEscape(trackingID)), nil, nil, &out)
	return out, err
}

func (c *APIClient) ListDeliveries(ctx context.Context) ([]haulage.Delivery, error) {
	var out struct {
		Deliveries []haulage.Delivery `json:"deliveries"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/deliveries", nil, nil, &out)
	return out.Deliveries, err
}

func (c *APIClient) ListBookings(ctx context.Context) ([]haulage.ParentBooking, error) {
	var out struct {
		Bookings []haulage.ParentBooking `json:"bookings"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/bookings", nil, nil, &out)
	return out.Bookings, err
}

func (c *APIClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	headers map[string]string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
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
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
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
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusConflict ||
			(resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *APIClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
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
	if delay > maxDelay {
		return maxDelay
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
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
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

func correlationID() string {
	return fmt.Sprintf("agent_%d", time.Now().UnixNano())
}
