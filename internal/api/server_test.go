package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stopsearch-ingest/internal/config"
	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
	"github.com/JakeFAU/stopsearch-ingest/internal/orchestrator"
	"github.com/JakeFAU/stopsearch-ingest/internal/storage/memory"
)

// fakeRunner captures Run scopes and lets tests hold a run open to provoke
// the overlap guard.
type fakeRunner struct {
	mu         sync.Mutex
	scopes     []orchestrator.Scope
	started    chan orchestrator.Scope
	release    chan struct{}
	remediated int
	remErr     error
}

func (f *fakeRunner) Run(_ context.Context, scope orchestrator.Scope) (ingest.BatchResult, error) {
	f.mu.Lock()
	f.scopes = append(f.scopes, scope)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- scope
	}
	if f.release != nil {
		<-f.release
	}
	return ingest.BatchResult{RunID: "run-1"}, nil
}

func (f *fakeRunner) Remediate(context.Context, string, *time.Time) (int, error) {
	return f.remediated, f.remErr
}

func newTestServer(t *testing.T, runner Runner, registry ingest.Registry, cfg config.Config) *httptest.Server {
	t.Helper()
	if registry == nil {
		registry = memory.NewRegistry()
	}
	srv := NewServer(runner, registry, cfg, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{}, nil, config.Config{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestReadyzReflectsRegistry(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		ts := newTestServer(t, &fakeRunner{}, nil, config.Config{})
		resp, err := http.Get(ts.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("registry down", func(t *testing.T) {
		ts := newTestServer(t, &fakeRunner{}, failingRegistry{}, config.Config{})
		resp, err := http.Get(ts.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestTriggerIngestAccepted(t *testing.T) {
	runner := &fakeRunner{started: make(chan orchestrator.Scope, 1)}
	ts := newTestServer(t, runner, nil, config.Config{})

	body := `{"forces":["kent"],"from":"2024-01","to":"2024-02"}`
	resp, err := http.Post(ts.URL+"/v1/ingest", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case scope := <-runner.started:
		assert.Equal(t, []string{"kent"}, scope.Forces)
		require.NotNil(t, scope.From)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *scope.From)
		require.NotNil(t, scope.To)
		assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), *scope.To)
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}
}

func TestTriggerIngestRejectsBadMonth(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{}, nil, config.Config{})

	resp, err := http.Post(ts.URL+"/v1/ingest", "application/json", strings.NewReader(`{"from":"January"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerIngestRejectsOverlap(t *testing.T) {
	runner := &fakeRunner{
		started: make(chan orchestrator.Scope, 1),
		release: make(chan struct{}),
	}
	ts := newTestServer(t, runner, nil, config.Config{})

	first, err := http.Post(ts.URL+"/v1/ingest", "application/json", nil)
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	<-runner.started

	second, err := http.Post(ts.URL+"/v1/ingest", "application/json", nil)
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusConflict, second.StatusCode)

	close(runner.release)
}

func TestTriggerRemediate(t *testing.T) {
	runner := &fakeRunner{remediated: 7}
	ts := newTestServer(t, runner, nil, config.Config{})

	resp, err := http.Post(ts.URL+"/v1/remediate", "application/json",
		strings.NewReader(`{"force":"kent","period":"2024-01"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 7, out["remediated"])
}

func TestTriggerRemediateBadPeriod(t *testing.T) {
	ts := newTestServer(t, &fakeRunner{}, nil, config.Config{})

	resp, err := http.Post(ts.URL+"/v1/remediate", "application/json",
		strings.NewReader(`{"period":"2024-13-01"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerRemediateFailure(t *testing.T) {
	runner := &fakeRunner{remErr: errors.New("store down")}
	ts := newTestServer(t, runner, nil, config.Config{})

	resp, err := http.Post(ts.URL+"/v1/remediate", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestListPeriods(t *testing.T) {
	registry := memory.NewRegistry()
	p := ingest.Period{Force: "kent", Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	ok, err := registry.TryBegin(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, registry.Fail(context.Background(), p, "fetch: status 502"))

	ts := newTestServer(t, &fakeRunner{}, registry, config.Config{})

	t.Run("requires force", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/periods")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("lists states", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/periods?force=kent")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Force   string               `json:"force"`
			Periods []ingest.PeriodState `json:"periods"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, "kent", out.Force)
		require.Len(t, out.Periods, 1)
		assert.Equal(t, ingest.StatusFailed, out.Periods[0].Status)
		assert.Equal(t, "fetch: status 502", out.Periods[0].LastError)
	})
}

func TestAPIKeyMiddleware(t *testing.T) {
	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	ts := newTestServer(t, &fakeRunner{}, nil, cfg)

	t.Run("missing key", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("header key", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("X-API-Key", "secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("query key", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/healthz?api_key=secret")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

// failingRegistry errors every call; only ListPeriods is exercised here.
type failingRegistry struct{}

func (failingRegistry) ListMissing(context.Context, string, []time.Time) ([]time.Time, error) {
	return nil, errors.New("registry down")
}
func (failingRegistry) TryBegin(context.Context, ingest.Period) (bool, error) {
	return false, errors.New("registry down")
}
func (failingRegistry) Complete(context.Context, ingest.Period, ingest.WriteHandle) error {
	return errors.New("registry down")
}
func (failingRegistry) Fail(context.Context, ingest.Period, string) error {
	return errors.New("registry down")
}
func (failingRegistry) ReclaimStale(context.Context, time.Duration) (int, error) {
	return 0, errors.New("registry down")
}
func (failingRegistry) ListPeriods(context.Context, string) ([]ingest.PeriodState, error) {
	return nil, errors.New("registry down")
}
