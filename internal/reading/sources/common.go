package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/home-energy-capture/internal/reading"
)

// HTTPClientConfig bundles the HTTP client and the outbound throttle shared
// by every request of one source.
type HTTPClientConfig struct {
	Client *http.Client
	// Limiter is optional; nil means unthrottled.
	Limiter *rate.Limiter
}

var (
	errRateLimited  = errors.New("rate limited")
	errServerError  = errors.New("server error")
	errUnexpected   = errors.New("unexpected status code")
	errCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
	errNoContent    = errors.New("no content")
)

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// doRequest executes one HTTP request through the rate limiter and the
// circuit breaker. It never retries: a failed tick is retried by the next
// scheduled tick. A 204 response yields errNoContent with a nil response.
func doRequest(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Limiter != nil {
		if err := cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := buildRequest()
	if err != nil {
		return nil, err
	}
	// Ensure the request obeys context cancellation.
	req = req.WithContext(ctx)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := cfg.Client.Do(req)
		if execErr != nil {
			return nil, execErr
		}

		if resp.StatusCode == http.StatusNoContent {
			resp.Body.Close()
			return nil, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return nil, errRateLimited
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
		}

		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		return nil, err
	}
	if result == nil {
		return nil, errNoContent
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, errors.New("unexpected result type from circuit breaker")
	}
	return resp, nil
}

// getJSON runs doRequest and decodes the body into out. Every failure is
// returned as a transient FetchError.
func getJSON(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
	out any,
) error {
	resp, err := doRequest(ctx, cfg, cb, buildRequest)
	if err != nil {
		return reading.Transient(err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		return reading.Transient(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

// numberOrAbsent records a missing numeric field as Absent and reports its name.
func numberOrAbsent(fields map[string]reading.Value, missing *[]string, name string, v *float64) {
	if v == nil {
		fields[name] = reading.Absent()
		*missing = append(*missing, name)
		return
	}
	fields[name] = reading.Number(*v)
}

func textOrAbsent(fields map[string]reading.Value, missing *[]string, name string, v *string) {
	if v == nil {
		fields[name] = reading.Absent()
		*missing = append(*missing, name)
		return
	}
	fields[name] = reading.Text(*v)
}

func boolOrAbsent(fields map[string]reading.Value, missing *[]string, name string, v *bool) {
	if v == nil {
		fields[name] = reading.Absent()
		*missing = append(*missing, name)
		return
	}
	fields[name] = reading.Bool(*v)
}
