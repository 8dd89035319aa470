package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/home-energy-capture/internal/reading"
)

const tibberQuery = `{
  viewer {
    homes {
      id
      appNickname
      currentSubscription {
        priceInfo {
          current { total energy tax startsAt level }
        }
      }
      consumption(resolution: HOURLY, last: 1) {
        nodes { from to cost unitPrice consumption }
      }
    }
  }
}`

// TibberSource implements reading.Source for the Tibber GraphQL API: the
// current energy price and the last hour of consumption for every home on
// the account, in a single request.
type TibberSource struct {
	name    string
	apiKey  string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker

	mu       sync.Mutex
	lastFrom map[string]string // home -> "from" of last recorded hour
}

func NewTibberSource(cfg HTTPClientConfig, apiKey string) *TibberSource {
	return &TibberSource{
		name:     "tibber",
		apiKey:   apiKey,
		baseURL:  "https://api.tibber.com/v1-beta/gql",
		httpCfg:  cfg,
		circuit:  newBreaker("tibber"),
		lastFrom: make(map[string]string),
	}
}

func (s *TibberSource) Name() string {
	return s.name
}

type tibberHome struct {
	ID                  string `json:"id"`
	AppNickname         string `json:"appNickname"`
	CurrentSubscription *struct {
		PriceInfo *struct {
			Current *struct {
				Total    *float64 `json:"total"`
				Energy   *float64 `json:"energy"`
				Tax      *float64 `json:"tax"`
				StartsAt string   `json:"startsAt"`
				Level    *string  `json:"level"`
			} `json:"current"`
		} `json:"priceInfo"`
	} `json:"currentSubscription"`
	Consumption *struct {
		Nodes []struct {
			From        string   `json:"from"`
			To          string   `json:"to"`
			Cost        *float64 `json:"cost"`
			UnitPrice   *float64 `json:"unitPrice"`
			Consumption *float64 `json:"consumption"`
		} `json:"nodes"`
	} `json:"consumption"`
}

func (s *TibberSource) Fetch(ctx context.Context) ([]reading.Reading, error) {
	if s.apiKey == "" {
		return nil, reading.Transient(errors.New("tibber api key is not configured"))
	}

	body, err := json.Marshal(map[string]string{"query": tibberQuery})
	if err != nil {
		return nil, reading.Transient(err)
	}

	buildRequest := func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, s.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	var payload struct {
		Data *struct {
			Viewer struct {
				Homes []tibberHome `json:"homes"`
			} `json:"viewer"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}

	if err := getJSON(ctx, s.httpCfg, s.circuit, buildRequest, &payload); err != nil {
		return nil, err
	}
	if len(payload.Errors) > 0 {
		msgs := make([]string, 0, len(payload.Errors))
		for _, e := range payload.Errors {
			msgs = append(msgs, e.Message)
		}
		if payload.Data == nil {
			return nil, reading.Transient(errors.New("tibber: " + strings.Join(msgs, "; ")))
		}
	}
	if payload.Data == nil || len(payload.Data.Viewer.Homes) == 0 {
		return nil, reading.Transient(errors.New("tibber: no homes in response"))
	}

	var (
		out        []reading.Reading
		missing    []*reading.FetchError
		duplicates int
	)
	for _, home := range payload.Data.Viewer.Homes {
		r, fe := s.toReading(home)
		if fe != nil && fe.Kind == reading.KindDuplicate {
			duplicates++
			continue
		}
		out = append(out, r)
		if fe != nil {
			missing = append(missing, fe)
		}
	}

	if len(out) == 0 {
		return nil, reading.Duplicate(fmt.Sprintf("%d home(s) unchanged", duplicates))
	}
	return out, reading.JoinMissing(missing...)
}

func (s *TibberSource) toReading(home tibberHome) (reading.Reading, *reading.FetchError) {
	entity := home.AppNickname
	if entity == "" {
		entity = home.ID
	}

	var (
		from                      string
		cost, unitPrice, consumed *float64
	)
	if home.Consumption != nil && len(home.Consumption.Nodes) > 0 {
		node := home.Consumption.Nodes[len(home.Consumption.Nodes)-1]
		from, cost, unitPrice, consumed = node.From, node.Cost, node.UnitPrice, node.Consumption
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if from != "" && s.lastFrom[entity] == from {
		return reading.Reading{}, reading.Duplicate(entity)
	}

	var missing []string
	fields := make(map[string]reading.Value)
	numberOrAbsent(fields, &missing, "consumption", consumed)
	numberOrAbsent(fields, &missing, "cost", cost)
	numberOrAbsent(fields, &missing, "unit_price", unitPrice)

	var total, energy, tax *float64
	var level *string
	if sub := home.CurrentSubscription; sub != nil && sub.PriceInfo != nil && sub.PriceInfo.Current != nil {
		cur := sub.PriceInfo.Current
		total, energy, tax, level = cur.Total, cur.Energy, cur.Tax, cur.Level
	}
	numberOrAbsent(fields, &missing, "price_total", total)
	numberOrAbsent(fields, &missing, "price_energy", energy)
	numberOrAbsent(fields, &missing, "price_tax", tax)
	textOrAbsent(fields, &missing, "price_level", level)

	var measuredAt time.Time
	if from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			measuredAt = ts
		}
		s.lastFrom[entity] = from
	}

	r := reading.Reading{Entity: entity, MeasuredAt: measuredAt, Fields: fields}
	if len(missing) > 0 {
		return r, reading.MissingFields(entity, missing...)
	}
	return r, nil
}
