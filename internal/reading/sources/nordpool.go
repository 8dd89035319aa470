package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/home-energy-capture/internal/reading"
)

// Day-ahead prices for tomorrow are published around noon.
const nordpoolPublishHour = 12

// NordPoolSource implements reading.Source for Nord Pool day-ahead spot
// prices in one delivery area. Each delivery period becomes one reading;
// periods already captured are not returned again.
type NordPoolSource struct {
	name     string
	area     string
	currency string
	baseURL  string
	location *time.Location
	now      func() time.Time
	httpCfg  HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker

	mu   sync.Mutex
	seen map[string]struct{} // deliveryStart values already returned
}

func NewNordPoolSource(cfg HTTPClientConfig, area, currency string, loc *time.Location) *NordPoolSource {
	if loc == nil {
		loc = time.Local
	}
	return &NordPoolSource{
		name:     "spotmarket",
		area:     area,
		currency: currency,
		baseURL:  "https://dataportal-api.nordpoolgroup.com/api/DayAheadPrices",
		location: loc,
		now:      time.Now,
		httpCfg:  cfg,
		circuit:  newBreaker("nordpool"),
		seen:     make(map[string]struct{}),
	}
}

func (s *NordPoolSource) Name() string {
	return s.name
}

type nordpoolDay struct {
	DeliveryDateCET  string `json:"deliveryDateCET"`
	Currency         string `json:"currency"`
	MultiAreaEntries []struct {
		DeliveryStart string              `json:"deliveryStart"`
		DeliveryEnd   string              `json:"deliveryEnd"`
		EntryPerArea  map[string]*float64 `json:"entryPerArea"`
	} `json:"multiAreaEntries"`
}

// deliveryDays returns today, plus tomorrow once prices have been published.
func (s *NordPoolSource) deliveryDays() []time.Time {
	now := s.now().In(s.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	days := []time.Time{today}
	if now.Hour() >= nordpoolPublishHour {
		days = append(days, today.AddDate(0, 0, 1))
	}
	return days
}

func (s *NordPoolSource) fetchDay(ctx context.Context, day time.Time) (*nordpoolDay, error) {
	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("date", day.Format("2006-01-02"))
		values.Set("market", "DayAhead")
		values.Set("deliveryArea", s.area)
		values.Set("currency", s.currency)
		u := fmt.Sprintf("%s?%s", s.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	var payload nordpoolDay
	if err := getJSON(ctx, s.httpCfg, s.circuit, buildRequest, &payload); err != nil {
		if errors.Is(err, errNoContent) {
			return nil, nil
		}
		return nil, err
	}
	return &payload, nil
}

func (s *NordPoolSource) Fetch(ctx context.Context) ([]reading.Reading, error) {
	var (
		out      []reading.Reading
		missing  []string
		fetched  int
		failures []error
	)

	for _, day := range s.deliveryDays() {
		payload, err := s.fetchDay(ctx, day)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", day.Format("2006-01-02"), err))
			continue
		}
		if payload == nil {
			continue
		}
		fetched++

		s.mu.Lock()
		for _, entry := range payload.MultiAreaEntries {
			if _, ok := s.seen[entry.DeliveryStart]; ok {
				continue
			}
			start, err := time.Parse(time.RFC3339, entry.DeliveryStart)
			if err != nil {
				missing = append(missing, "delivery_start@"+entry.DeliveryStart)
				continue
			}
			fields := make(map[string]reading.Value)
			price, ok := entry.EntryPerArea[s.area]
			if !ok || price == nil {
				fields["price"] = reading.Absent()
				missing = append(missing, "price@"+entry.DeliveryStart)
			} else {
				fields["price"] = reading.Number(*price)
			}
			fields["currency"] = reading.Text(s.currency)
			s.seen[entry.DeliveryStart] = struct{}{}

			out = append(out, reading.Reading{
				Entity:     s.area,
				MeasuredAt: start.In(s.location),
				Fields:     fields,
			})
		}
		s.mu.Unlock()
	}
	s.forgetBefore(s.deliveryDays()[0])

	sort.Slice(out, func(i, j int) bool { return out[i].MeasuredAt.Before(out[j].MeasuredAt) })

	switch {
	case len(out) == 0 && len(failures) > 0:
		return nil, reading.Transient(errors.Join(failures...))
	case len(out) == 0 && fetched == 0:
		return nil, reading.Transient(fmt.Errorf("no day-ahead prices published for %s", s.area))
	case len(out) == 0 && len(missing) > 0:
		return nil, reading.Transient(fmt.Errorf("unparsable delivery periods for %s: %s", s.area, strings.Join(missing, ", ")))
	case len(out) == 0:
		return nil, reading.Duplicate("all delivery periods already recorded")
	case len(failures) > 0:
		return out, reading.Transient(errors.Join(failures...))
	case len(missing) > 0:
		return out, reading.MissingFields(s.area, missing...)
	}
	return out, nil
}

// forgetBefore drops dedup keys of past delivery days so the set stays small.
func (s *NordPoolSource) forgetBefore(day time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.seen {
		ts, err := time.Parse(time.RFC3339, key)
		if err != nil || ts.Before(day.Add(-24*time.Hour)) {
			delete(s.seen, key)
		}
	}
}
