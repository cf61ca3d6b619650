package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"climdex/internal/security"
	"climdex/internal/types"
)

// RetryPolicy configures retries of remote chunk reads.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    200 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}
}

// HTTPStore reads a Zarr store published over HTTP, such as a public bucket
// endpoint. Every request goes through a circuit breaker and is retried on
// 429 and 5xx responses.
type HTTPStore struct {
	baseURL     string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration)
}

// HTTPStoreOption configures an HTTPStore.
type HTTPStoreOption func(*HTTPStore)

// WithSleepFunc overrides the sleep between retries. Tests use it to avoid
// real delays.
func WithSleepFunc(fn func(time.Duration)) HTTPStoreOption {
	return func(s *HTTPStore) { s.sleepFn = fn }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) HTTPStoreOption {
	return func(s *HTTPStore) { s.retryPolicy = p }
}

// WithUserAgent sets the User-Agent header of outgoing requests.
func WithUserAgent(ua string) HTTPStoreOption {
	return func(s *HTTPStore) { s.userAgent = ua }
}

// NewHTTPStore creates a store reading keys below baseURL.
func NewHTTPStore(httpClient *http.Client, baseURL string, opts ...HTTPStoreOption) *HTTPStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	s := &HTTPStore{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      httpClient,
		retryPolicy: DefaultRetryPolicy(),
		sleepFn:     time.Sleep,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        "dataset-store",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil
			},
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPStore) String() string { return s.baseURL }

// Get fetches baseURL/key. A 404 maps to ErrNotFound; exhausted retries and
// an open breaker map to upstream AppErrors.
func (s *HTTPStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	url := s.baseURL + "/" + strings.TrimLeft(key, "/")

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + s.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build dataset request", err)
		}
		if traceID := types.GetRequestID(ctx); traceID != "" {
			req.Header.Set("X-B3-TraceId", traceID)
		}
		if s.userAgent != "" {
			req.Header.Set("User-Agent", s.userAgent)
		}

		resp, err := s.breaker.Execute(func() (*http.Response, error) {
			r, doErr := s.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("dataset store returned %d", r.StatusCode)
			}
			return r, nil
		})

		if err == nil {
			switch {
			case resp.StatusCode == http.StatusNotFound:
				resp.Body.Close()
				return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
			case resp.StatusCode >= 300:
				resp.Body.Close()
				return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamDataset,
					fmt.Sprintf("dataset store returned %d for %s", resp.StatusCode, key), nil,
					map[string]any{"status": resp.StatusCode})
			}
			return resp.Body, nil
		}

		if errors.Is(err, security.ErrBlocked) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationBlockedHost,
				"dataset host is not reachable from this service", err,
				map[string]any{"dataset_ref": s.baseURL})
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts-1 {
			s.sleepFn(s.backoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}
	return nil, s.mapError(lastResp, lastErr)
}

// backoff honors Retry-After when present and otherwise uses exponential
// backoff with jitter clamped to [MinWait, MaxWait].
func (s *HTTPStore) backoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
			return min(time.Duration(seconds)*time.Second, s.retryPolicy.MaxWait)
		}
	}
	base := min(float64(s.retryPolicy.MinWait)*math.Pow(2, float64(attempt)), float64(s.retryPolicy.MaxWait))
	minWait := float64(s.retryPolicy.MinWait)
	if base <= minWait {
		return s.retryPolicy.MinWait
	}
	return time.Duration(minWait + rand.Float64()*(base-minWait))
}

func (s *HTTPStore) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; dataset store unavailable", err)
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "dataset store rate limit exceeded", err)
	}
	if resp != nil {
		return types.NewAppError(types.ErrCodeUpstreamDataset,
			fmt.Sprintf("dataset store returned %d after retries", resp.StatusCode), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamDataset, "dataset store request failed", err)
}
