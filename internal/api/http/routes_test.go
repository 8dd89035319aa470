package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/home-energy-capture/internal/metrics"
	"github.com/i474232898/home-energy-capture/internal/scheduler"
)

type fakeStatuses []scheduler.Status

func (f fakeStatuses) Statuses() []scheduler.Status { return f }

func newTestApp() *fiber.App {
	app := fiber.New()
	m := metrics.New()
	m.ObserveFetch("tibber", "ok", 0.2)
	RegisterRoutes(app, fakeStatuses{
		{Source: "tibber", State: scheduler.StateScheduled, Fetches: 3},
		{Source: "sensibo", State: scheduler.StateStopped},
	}, m)
	return app
}

func TestHealth(t *testing.T) {
	app := newTestApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}

func TestListSources(t *testing.T) {
	app := newTestApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var body struct {
		Sources []scheduler.Status `json:"sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(body.Sources))
	}
	if body.Sources[0].Source != "tibber" || body.Sources[0].Fetches != 3 {
		t.Fatalf("unexpected first source: %+v", body.Sources[0])
	}
}

// TestSourceNameValidation verifies that the per-source endpoint rejects
// malformed names and reports unknown ones as not found.
func TestSourceNameValidation(t *testing.T) {
	app := newTestApp()

	cases := []struct {
		path string
		want int
	}{
		{"/api/v1/sources/tibber", http.StatusOK},
		{"/api/v1/sources/nosuch", http.StatusNotFound},
		{"/api/v1/sources/bad-name", http.StatusBadRequest},
		{"/api/v1/sources/" + strings.Repeat("a", 33), http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, tc.path, nil))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.path, err)
		}
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected status %d, got %d", tc.path, tc.want, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `capture_fetch_total{outcome="ok",source="tibber"} 1`) {
		t.Fatalf("fetch counter missing from exposition:\n%s", body)
	}
}
