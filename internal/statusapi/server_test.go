package statusapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flashpipe/internal/breaker"
	"flashpipe/internal/ratelimit"
)

func TestServerReportsConfiguredSubsystems(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Rate: 60, Period: time.Minute}, nil)
	br := breaker.New(breaker.Config{}, nil, nil)

	s := &Server{Limiter: limiter, Breaker: br}
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/status/limiter")
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp, err = srv.Client().Get(srv.URL + "/status/cache")
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
	resp.Body.Close()
}
