package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/home-energy-capture/internal/reading"
)

func testHTTPConfig(srv *httptest.Server) HTTPClientConfig {
	return HTTPClientConfig{Client: srv.Client()}
}

func TestDoRequestStatusHandling(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	build := func() (*http.Request, error) { return http.NewRequest(http.MethodGet, srv.URL, nil) }
	cases := []struct {
		code int
		want error
	}{
		{http.StatusNoContent, errNoContent},
		{http.StatusTooManyRequests, errRateLimited},
		{http.StatusBadGateway, errServerError},
		{http.StatusNotFound, errUnexpected},
	}
	for _, tc := range cases {
		status.Store(int32(tc.code))
		_, err := doRequest(context.Background(), testHTTPConfig(srv), newBreaker("test"), build)
		assert.ErrorIs(t, err, tc.want, "status %d", tc.code)
	}
}

func TestDoRequestWithoutClient(t *testing.T) {
	_, err := doRequest(context.Background(), HTTPClientConfig{}, newBreaker("test"), nil)
	assert.ErrorIs(t, err, errNoHTTPClient)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := newBreaker("test")
	build := func() (*http.Request, error) { return http.NewRequest(http.MethodGet, srv.URL, nil) }
	for i := 0; i < 5; i++ {
		_, err := doRequest(context.Background(), testHTTPConfig(srv), cb, build)
		require.ErrorIs(t, err, errServerError)
	}

	_, err := doRequest(context.Background(), testHTTPConfig(srv), cb, build)
	assert.ErrorIs(t, err, errCircuitOpen)
	assert.EqualValues(t, 5, hits.Load())
}

func TestGetJSONClassifiesFailuresAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	var out map[string]any
	err := getJSON(context.Background(), testHTTPConfig(srv), newBreaker("test"), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}, &out)
	require.Error(t, err)
	assert.Equal(t, reading.KindTransient, reading.KindOf(err))
}

func TestAbsentHelpers(t *testing.T) {
	var missing []string
	fields := map[string]reading.Value{}
	v, s, b := 1.5, "auto", true

	numberOrAbsent(fields, &missing, "n", &v)
	textOrAbsent(fields, &missing, "s", &s)
	boolOrAbsent(fields, &missing, "b", &b)
	numberOrAbsent(fields, &missing, "n2", nil)
	textOrAbsent(fields, &missing, "s2", nil)
	boolOrAbsent(fields, &missing, "b2", nil)

	assert.Equal(t, []string{"n2", "s2", "b2"}, missing)
	assert.Equal(t, 1.5, *fields["n"].Number)
	assert.Equal(t, "auto", *fields["s"].Text)
	assert.True(t, *fields["b"].Bool)
	assert.True(t, fields["n2"].Absent)
	assert.True(t, fields["b2"].Absent)
}
