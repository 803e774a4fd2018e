package telemetry

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryExposesObservations(t *testing.T) {
	reg := New("flashpipe_test")
	reg.ObserveItemStarted()
	reg.ObserveItemCompleted()
	reg.ObserveCacheHit("l1")
	reg.ObserveCacheMiss("l2")
	reg.SetLimiterImbalance(0.25)
	reg.SetBreakerState(2)
	reg.SetPoolSize(5, 3)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
}
