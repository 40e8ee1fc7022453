package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dealdesk/leadscraper/internal/config"
	"github.com/dealdesk/leadscraper/internal/scrape"
)

func TestBuildDrivesSessionsInBackground(t *testing.T) {
	t.Setenv("LEADSCRAPER_SCRAPER_ENABLED", "false")
	t.Setenv("LEADSCRAPER_ORCHESTRATOR_BACKGROUND_DRIVER", "true")
	t.Setenv("LEADSCRAPER_EXPORT_LOG", "true")
	t.Setenv("LEADSCRAPER_EXPORT_PROMETHEUS", "false")
	t.Setenv("LEADSCRAPER_LOGGING_LEVEL", "error")

	cfg, err := config.Load("")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	app, err := Build(ctx, cfg, "test")
	require.NoError(t, err)
	require.NotNil(t, app.dispatch)

	driverDone := make(chan struct{})
	go func() {
		app.dispatch.Run(ctx)
		close(driverDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-driverDone
		require.NoError(t, app.Close(context.Background()))
	})

	req := httptest.NewRequest(http.MethodPost, "/api/scrape/start",
		strings.NewReader(`{"towns":["Springs"],"industries":["Plumbers"]}`))
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	id := started["sessionId"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scrape/"+id, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		var session scrape.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
			return false
		}
		return session.Status == scrape.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}
