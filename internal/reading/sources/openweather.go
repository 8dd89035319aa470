package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/home-energy-capture/internal/reading"
)

// OpenWeatherSource implements reading.Source for the OpenWeatherMap One Call
// API at a fixed coordinate: the current conditions plus the hourly forecast.
type OpenWeatherSource struct {
	name     string
	apiKey   string
	baseURL  string
	lat, lon float64
	httpCfg  HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker

	mu     sync.Mutex
	lastDt int64
	seen   map[int64]struct{} // forecast hours already returned
}

func NewOpenWeatherSource(cfg HTTPClientConfig, apiKey string, lat, lon float64) *OpenWeatherSource {
	return &OpenWeatherSource{
		name:    "weather",
		apiKey:  apiKey,
		baseURL: "https://api.openweathermap.org/data/3.0/onecall",
		lat:     lat,
		lon:     lon,
		httpCfg: cfg,
		circuit: newBreaker("openweather"),
		seen:    make(map[int64]struct{}),
	}
}

func (s *OpenWeatherSource) Name() string {
	return s.name
}

type openWeatherCondition struct {
	Main string `json:"main"`
}

type openWeatherConditions struct {
	Dt        int64                  `json:"dt"`
	Temp      *float64               `json:"temp"`
	Humidity  *float64               `json:"humidity"`
	Pressure  *float64               `json:"pressure"`
	WindSpeed *float64               `json:"wind_speed"`
	Clouds    *float64               `json:"clouds"`
	Weather   []openWeatherCondition `json:"weather"`
}

// entity is the coordinate key shared by the current and forecast readings.
func (s *OpenWeatherSource) entity() string {
	return fmt.Sprintf("%.4f,%.4f", s.lat, s.lon)
}

func (s *OpenWeatherSource) Fetch(ctx context.Context) ([]reading.Reading, error) {
	if s.apiKey == "" {
		return nil, reading.Transient(errors.New("openweather api key is not configured"))
	}

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("appid", s.apiKey)
		values.Set("units", "metric")
		values.Set("exclude", "minutely,daily,alerts")
		values.Set("lat", fmt.Sprintf("%f", s.lat))
		values.Set("lon", fmt.Sprintf("%f", s.lon))

		u := fmt.Sprintf("%s?%s", s.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	var payload struct {
		Current *openWeatherConditions  `json:"current"`
		Hourly  []openWeatherConditions `json:"hourly"`
	}

	if err := getJSON(ctx, s.httpCfg, s.circuit, buildRequest, &payload); err != nil {
		return nil, err
	}
	if payload.Current == nil || payload.Current.Dt == 0 {
		return nil, reading.Transient(errors.New("openweather payload has no current observation"))
	}

	var (
		out     []reading.Reading
		missing []*reading.FetchError
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if payload.Current.Dt != s.lastDt {
		s.lastDt = payload.Current.Dt
		r, fe := s.currentReading(payload.Current)
		out = append(out, r)
		if fe != nil {
			missing = append(missing, fe)
		}
	}

	forecast, fe := s.forecastReadings(payload.Hourly)
	out = append(out, forecast...)
	if fe != nil {
		missing = append(missing, fe)
	}
	s.forgetBefore(payload.Current.Dt)

	if len(out) == 0 {
		return nil, reading.Duplicate(fmt.Sprintf("observation %d and forecast already recorded", payload.Current.Dt))
	}
	return out, reading.JoinMissing(missing...)
}

func (s *OpenWeatherSource) currentReading(cur *openWeatherConditions) (reading.Reading, *reading.FetchError) {
	var missing []string
	fields := make(map[string]reading.Value)
	numberOrAbsent(fields, &missing, "temperature", cur.Temp)
	numberOrAbsent(fields, &missing, "humidity", cur.Humidity)
	numberOrAbsent(fields, &missing, "pressure", cur.Pressure)
	numberOrAbsent(fields, &missing, "wind_speed", cur.WindSpeed)
	numberOrAbsent(fields, &missing, "clouds", cur.Clouds)
	fields["condition"] = reading.Text(mapOpenWeatherCondition(cur.Weather))

	entity := s.entity()
	r := reading.Reading{
		Entity:     entity,
		MeasuredAt: time.Unix(cur.Dt, 0),
		Fields:     fields,
	}
	if len(missing) > 0 {
		return r, reading.MissingFields(entity, missing...)
	}
	return r, nil
}

// forecastReadings returns one reading per forecast hour not returned before.
// Callers hold s.mu.
func (s *OpenWeatherSource) forecastReadings(hourly []openWeatherConditions) ([]reading.Reading, *reading.FetchError) {
	entity := s.entity() + "/hourly"

	var (
		out     []reading.Reading
		missing []string
	)
	for _, h := range hourly {
		if h.Dt == 0 {
			missing = append(missing, "dt")
			continue
		}
		if _, ok := s.seen[h.Dt]; ok {
			continue
		}
		s.seen[h.Dt] = struct{}{}

		var absent []string
		fields := make(map[string]reading.Value)
		numberOrAbsent(fields, &absent, "temperature", h.Temp)
		fields["condition"] = reading.Text(mapOpenWeatherCondition(h.Weather))
		for _, f := range absent {
			missing = append(missing, fmt.Sprintf("%s@%d", f, h.Dt))
		}

		out = append(out, reading.Reading{
			Entity:     entity,
			MeasuredAt: time.Unix(h.Dt, 0),
			Fields:     fields,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeasuredAt.Before(out[j].MeasuredAt) })

	if len(missing) > 0 {
		return out, reading.MissingFields(entity, missing...)
	}
	return out, nil
}

// forgetBefore drops forecast hours that are already in the past. Callers
// hold s.mu.
func (s *OpenWeatherSource) forgetBefore(dt int64) {
	for key := range s.seen {
		if key < dt-3600 {
			delete(s.seen, key)
		}
	}
}

func mapOpenWeatherCondition(items []openWeatherCondition) string {
	if len(items) == 0 {
		return "unknown"
	}
	switch items[0].Main {
	case "Clear":
		return "clear"
	case "Clouds":
		return "cloudy"
	case "Rain", "Drizzle":
		return "rain"
	case "Snow":
		return "snow"
	case "Thunderstorm":
		return "storm"
	case "Mist", "Fog", "Haze":
		return "mist"
	default:
		return "unknown"
	}
}
