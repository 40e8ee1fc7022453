package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dealdesk/leadscraper/internal/clock/system"
	"github.com/dealdesk/leadscraper/internal/id/uuid"
	"github.com/dealdesk/leadscraper/internal/lookup"
	"github.com/dealdesk/leadscraper/internal/orchestrator"
	"github.com/dealdesk/leadscraper/internal/progress"
	"github.com/dealdesk/leadscraper/internal/scrape"
	"github.com/dealdesk/leadscraper/internal/storage/memory"
)

type stubScraper struct{}

func (stubScraper) Scrape(_ context.Context, town, industry string) ([]scrape.Business, error) {
	return []scrape.Business{{Name: industry + " of " + town, Phone: "0821234567"}}, nil
}

type recordingEnqueuer struct {
	ids []string
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, id string) error {
	e.ids = append(e.ids, id)
	return nil
}

type testEnv struct {
	server *Server
	bus    *progress.Bus
	orch   *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	store := memory.NewSessionStore()
	bus := progress.NewBus(progress.BusConfig{HeartbeatInterval: time.Hour}, store, nil)
	t.Cleanup(bus.Close)
	published := progress.NewPublishingStore(store, bus, nil)
	orch := orchestrator.New(
		published,
		stubScraper{},
		lookup.NewFactory(lookup.NewPrefixCarrier(), 10, time.Second, nil),
		bus,
		system.New(),
		uuid.NewUUIDGenerator(),
		orchestrator.Config{},
		nil,
	)
	if opts.CompleteGrace == 0 {
		opts.CompleteGrace = 10 * time.Millisecond
	}
	return &testEnv{server: NewServer(orch, bus, opts, nil), bus: bus, orch: orch}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) start(t *testing.T, key string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/scrape/start", key, `{"towns":["Springs","Benoni"],"industries":["Plumbers"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "started", resp["status"])
	require.NotEmpty(t, resp["sessionId"])
	return resp["sessionId"]
}

func TestServerStartAndProcess(t *testing.T) {
	t.Parallel()

	enq := &recordingEnqueuer{}
	env := newTestEnv(t, Options{Enqueuer: enq})
	id := env.start(t, "")
	require.Equal(t, []string{id}, enq.ids)

	for i, wantMore := range []bool{true, false} {
		rec := env.do(t, http.MethodPost, "/api/scrape/"+id+"/process", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var res scrape.StepResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		require.Equal(t, i+1, res.Progress.CompletedTowns)
		require.Equal(t, wantMore, res.HasMore)
	}

	rec := env.do(t, http.MethodPost, "/api/scrape/"+id+"/process", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)

	rec = env.do(t, http.MethodGet, "/api/scrape/"+id, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var session scrape.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.Len(t, session.Results, 2)
	require.Equal(t, "Vodacom", session.Results[0].Provider)
	require.NotEmpty(t, session.Logs)
}

func TestServerStartValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	rec := env.do(t, http.MethodPost, "/api/scrape/start", "", `{"towns":[" "],"industries":[],"config":{"retryAttempts":50}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "validation failed", resp.Error)
	require.Contains(t, resp.Fields, "towns[0]")
	require.Contains(t, resp.Fields, "industries")
	require.Contains(t, resp.Fields, "config.retryAttempts")

	rec = env.do(t, http.MethodPost, "/api/scrape/start", "", `{"towns":["Springs"],"industries":["Plumbers"],"config":{"simultaneousLookups":0}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp.Fields = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, map[string]string{"config.simultaneousLookups": "must be between 1 and 20"}, resp.Fields)

	rec = env.do(t, http.MethodPost, "/api/scrape/start", "", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerUnknownSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/scrape/missing/process"},
		{http.MethodPost, "/api/scrape/missing/stop"},
		{http.MethodGet, "/api/scrape/missing"},
		{http.MethodGet, "/api/scrape/missing/status"},
	} {
		rec := env.do(t, tc.method, tc.path, "", "")
		require.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

func TestServerAuthGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{APIKeys: map[string]string{"key-a": "alice", "key-b": "bob"}})

	rec := env.do(t, http.MethodPost, "/api/scrape/start", "", `{"towns":["Springs"],"industries":["Plumbers"]}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/scrape/start", "wrong", `{"towns":["Springs"],"industries":["Plumbers"]}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	id := env.start(t, "key-a")

	rec = env.do(t, http.MethodGet, "/api/scrape/"+id, "key-b", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/scrape/"+id+"/process", "key-b", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/scrape/"+id, nil)
	req.Header.Set("Authorization", "Bearer key-a")
	bearer := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(bearer, req)
	require.Equal(t, http.StatusOK, bearer.Code)

	// Probes stay open.
	rec = env.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerStop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	id := env.start(t, "")

	rec := env.do(t, http.MethodPost, "/api/scrape/"+id+"/stop", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"stopped"`)

	rec = env.do(t, http.MethodPost, "/api/scrape/"+id+"/process", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res scrape.StepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, scrape.StatusStopped, res.Status)
	require.Zero(t, res.Progress.CompletedTowns)
	require.False(t, res.HasMore)
}

func TestServerStatusStreamEndsForFinishedSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	id := env.start(t, "")
	env.do(t, http.MethodPost, "/api/scrape/"+id+"/stop", "", "")

	rec := env.do(t, http.MethodGet, "/api/scrape/"+id+"/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "event: progress\n"), body)
	require.Contains(t, body, `"status":"stopped"`)
}

func TestServerStatusStreamsLiveEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	id := env.start(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/scrape/"+id+"/status", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var kind string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" && kind != "" {
				return kind
			}
			if after, ok := strings.CutPrefix(line, "event: "); ok {
				kind = after
			}
		}
	}
	require.Equal(t, "progress", readEvent())

	require.Eventually(t, func() bool { return env.bus.Subscribers(id) == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 3; i++ {
		_, err := env.orch.Step(ctx, id)
		require.NoError(t, err)
	}

	var kinds []string
	for {
		kind := readEvent()
		kinds = append(kinds, kind)
		if kind == "complete" {
			break
		}
	}
	require.Contains(t, kinds, "log")
	require.Contains(t, kinds, "progress")

	// The server closes the stream shortly after completion.
	_, err = io.ReadAll(reader)
	require.NoError(t, err)
}

func TestServerReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Options{Ready: func(context.Context) error { return errors.New("db down") }})
	rec := env.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env = newTestEnv(t, Options{})
	rec = env.do(t, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
