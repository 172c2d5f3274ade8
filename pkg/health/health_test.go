package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probe(t *testing.T, fn http.HandlerFunc) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	fn(w, httptest.NewRequest(http.MethodGet, "/", nil))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func TestReadyGatedBySetReady(t *testing.T) {
	s := New()

	code, body := probe(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])

	s.SetReady(true)
	code, body = probe(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	s.SetReady(false)
	code, _ = probe(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCheckFailsAfterThreshold(t *testing.T) {
	s := New()
	s.AddLivenessCheck("broken", time.Second, func(context.Context) error {
		return errors.New("down")
	})

	s.mu.Lock()
	c := s.liveness[0]
	s.mu.Unlock()

	ctx := context.Background()
	c.run(ctx)
	c.run(ctx)
	code, _ := probe(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "below threshold stays healthy")

	c.run(ctx)
	code, body := probe(t, s.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "down", checks["broken"])
}

func TestCheckRecoversOnFirstSuccess(t *testing.T) {
	s := New()
	fail := true
	s.AddReadinessCheck("db", time.Second, func(context.Context) error {
		if fail {
			return errors.New("no connection")
		}
		return nil
	})
	s.SetReady(true)

	s.mu.Lock()
	c := s.readiness[0]
	s.mu.Unlock()

	ctx := context.Background()
	for range failureThreshold {
		c.run(ctx)
	}
	code, _ := probe(t, s.ReadyEndpoint)
	require.Equal(t, http.StatusServiceUnavailable, code)

	fail = false
	c.run(ctx)
	code, _ = probe(t, s.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(1_000_000)(context.Background()))
	assert.Error(t, GoroutineCountCheck(0)(context.Background()))
}
