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

// SensiboSource implements reading.Source for Sensibo AC/heat-pump
// controllers. Each tick makes one measurement call and one AC-state call per
// device.
type SensiboSource struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker

	mu      sync.Mutex
	devices map[string]string // room name -> pod id

	// last recorded measurement per device
	lastSeen map[string]sensiboSeen
}

// sensiboSeen identifies a measurement by its timestamp, or by its age when
// the payload carries no timestamp.
type sensiboSeen struct {
	time       string
	secondsAgo int64
}

func (s sensiboSeen) repeats(prev sensiboSeen) bool {
	if s.time != "" && prev.time != "" {
		return s.time == prev.time
	}
	return s.secondsAgo >= prev.secondsAgo
}

func NewSensiboSource(cfg HTTPClientConfig, apiKey string) *SensiboSource {
	return &SensiboSource{
		name:     "sensibo",
		apiKey:   apiKey,
		baseURL:  "https://home.sensibo.com/api/v2",
		httpCfg:  cfg,
		circuit:  newBreaker("sensibo"),
		lastSeen: make(map[string]sensiboSeen),
	}
}

func (s *SensiboSource) Name() string {
	return s.name
}

type sensiboEnvelope[T any] struct {
	Status string `json:"status"`
	Result T      `json:"result"`
}

type sensiboMeasurement struct {
	Time *struct {
		SecondsAgo int64  `json:"secondsAgo"`
		Time       string `json:"time"`
	} `json:"time"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

type sensiboACState struct {
	AcState struct {
		On                *bool    `json:"on"`
		TargetTemperature *float64 `json:"targetTemperature"`
		FanLevel          *string  `json:"fanLevel"`
		Mode              *string  `json:"mode"`
	} `json:"acState"`
}

func (s *SensiboSource) get(ctx context.Context, path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", s.apiKey)
	buildRequest := func() (*http.Request, error) {
		u := fmt.Sprintf("%s%s?%s", s.baseURL, path, query.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}
	return getJSON(ctx, s.httpCfg, s.circuit, buildRequest, out)
}

func (s *SensiboSource) loadDevices(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	cached := s.devices
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var env sensiboEnvelope[[]struct {
		ID   string `json:"id"`
		Room struct {
			Name string `json:"name"`
		} `json:"room"`
	}]
	if err := s.get(ctx, "/users/me/pods", url.Values{"fields": {"id,room"}}, &env); err != nil {
		return nil, err
	}

	devices := make(map[string]string, len(env.Result))
	for _, pod := range env.Result {
		name := pod.Room.Name
		if name == "" {
			name = pod.ID
		}
		devices[name] = pod.ID
	}
	if len(devices) == 0 {
		return nil, reading.Transient(errors.New("sensibo account has no devices"))
	}

	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
	return devices, nil
}

func (s *SensiboSource) Fetch(ctx context.Context) ([]reading.Reading, error) {
	if s.apiKey == "" {
		return nil, reading.Transient(errors.New("sensibo api key is not configured"))
	}

	devices, err := s.loadDevices(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		out        []reading.Reading
		missing    []*reading.FetchError
		failures   []error
		duplicates int
	)

	for _, name := range names {
		r, fetchErr := s.fetchDevice(ctx, name, devices[name])
		switch {
		case fetchErr == nil:
			out = append(out, r)
		case reading.KindOf(fetchErr) == reading.KindDuplicate:
			duplicates++
		case reading.KindOf(fetchErr) == reading.KindMissingField:
			out = append(out, r)
			var fe *reading.FetchError
			if errors.As(fetchErr, &fe) {
				missing = append(missing, fe)
			}
		default:
			failures = append(failures, fmt.Errorf("%s: %w", name, fetchErr))
		}
	}

	if len(out) == 0 {
		if len(failures) > 0 {
			return nil, reading.Transient(errors.Join(failures...))
		}
		return nil, reading.Duplicate(fmt.Sprintf("%d device(s) unchanged", duplicates))
	}
	if len(failures) > 0 {
		// Some devices answered; keep their readings and surface the rest.
		return out, reading.Transient(errors.Join(failures...))
	}
	return out, reading.JoinMissing(missing...)
}

func (s *SensiboSource) fetchDevice(ctx context.Context, name, id string) (reading.Reading, error) {
	var measurements sensiboEnvelope[[]sensiboMeasurement]
	if err := s.get(ctx, "/pods/"+id+"/measurements", nil, &measurements); err != nil {
		return reading.Reading{}, err
	}
	if len(measurements.Result) == 0 {
		return reading.Reading{}, reading.Transient(errors.New("no measurement returned"))
	}
	latest := measurements.Result[0]

	var states sensiboEnvelope[[]sensiboACState]
	if err := s.get(ctx, "/pods/"+id+"/acStates", url.Values{"limit": {"1"}, "fields": {"acState"}}, &states); err != nil {
		return reading.Reading{}, err
	}

	var (
		measuredAt time.Time
		current    sensiboSeen
	)
	if latest.Time != nil {
		current = sensiboSeen{time: latest.Time.Time, secondsAgo: latest.Time.SecondsAgo}
		s.mu.Lock()
		prev, seen := s.lastSeen[name]
		s.mu.Unlock()
		if seen && current.repeats(prev) {
			return reading.Reading{}, reading.Duplicate(name)
		}
		if ts, err := time.Parse(time.RFC3339Nano, latest.Time.Time); err == nil {
			measuredAt = ts
		}
	}

	var missing []string
	fields := make(map[string]reading.Value)
	numberOrAbsent(fields, &missing, "temperature", latest.Temperature)
	numberOrAbsent(fields, &missing, "humidity", latest.Humidity)

	if len(states.Result) > 0 {
		st := states.Result[0].AcState
		boolOrAbsent(fields, &missing, "on", st.On)
		numberOrAbsent(fields, &missing, "target_temperature", st.TargetTemperature)
		textOrAbsent(fields, &missing, "fan_level", st.FanLevel)
		textOrAbsent(fields, &missing, "mode", st.Mode)
	} else {
		for _, f := range []string{"on", "target_temperature", "fan_level", "mode"} {
			fields[f] = reading.Absent()
			missing = append(missing, f)
		}
	}

	// Only remember the measurement once the reading is going to be kept.
	if latest.Time != nil {
		s.mu.Lock()
		s.lastSeen[name] = current
		s.mu.Unlock()
	}

	r := reading.Reading{
		Entity:     name,
		MeasuredAt: measuredAt,
		Fields:     fields,
	}
	if len(missing) > 0 {
		return r, reading.MissingFields(name, missing...)
	}
	return r, nil
}
