package scrape

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeRequestDefaults(t *testing.T) {
	t.Parallel()

	in := DefaultConfig()
	in.RetryDelayMs = 250
	towns, industries, cfg, err := NormalizeRequest(
		[]string{" Springs ", "Benoni"},
		[]string{"Plumbers", "plumbers", " ", "Bakeries"},
		in,
	)
	require.NoError(t, err)
	require.Equal(t, []string{"Springs", "Benoni"}, towns)
	require.Equal(t, []string{"Plumbers", "Bakeries"}, industries)
	require.Equal(t, Config{
		SimultaneousTowns:      1,
		SimultaneousIndustries: 3,
		SimultaneousLookups:    5,
		RetryAttempts:          3,
		RetryDelayMs:           250,
	}, cfg)
}

func TestNormalizeRequestRejects(t *testing.T) {
	t.Parallel()

	_, _, _, err := NormalizeRequest(nil, []string{""}, Config{
		SimultaneousLookups: 21,
		RetryAttempts:       -1,
		RetryDelayMs:        30001,
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Contains(t, verr.Fields, "towns")
	require.Contains(t, verr.Fields, "industries")
	require.Contains(t, verr.Fields, "config.simultaneousLookups")
	require.Contains(t, verr.Fields, "config.retryAttempts")
	require.Contains(t, verr.Fields, "config.retryDelayMs")
	require.Contains(t, verr.Fields, "config.simultaneousTowns")
}

func TestNormalizeRequestRejectsExplicitZero(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SimultaneousLookups = 0
	cfg.SimultaneousIndustries = 0
	cfg.RetryDelayMs = 0
	_, _, _, err := NormalizeRequest([]string{"Springs"}, []string{"Plumbers"}, cfg)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "must be between 1 and 20", verr.Fields["config.simultaneousLookups"])
	require.Equal(t, "must be between 1 and 10", verr.Fields["config.simultaneousIndustries"])
	require.NotContains(t, verr.Fields, "config.retryDelayMs")
	require.NotContains(t, verr.Fields, "config.simultaneousTowns")
}

func TestNormalizeRequestBlankTown(t *testing.T) {
	t.Parallel()

	_, _, _, err := NormalizeRequest([]string{"Springs", "  "}, []string{"Plumbers"}, DefaultConfig())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "must not be blank", verr.Fields["towns[1]"])
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	require.True(t, StatusPending.CanTransition(StatusRunning))
	require.True(t, StatusRunning.CanTransition(StatusCompleted))
	require.True(t, StatusRunning.CanTransition(StatusStopped))
	require.False(t, StatusCompleted.CanTransition(StatusRunning))
	require.False(t, StatusStopped.CanTransition(StatusRunning))
	require.True(t, StatusStopped.CanTransition(StatusStopped))
	require.True(t, StatusStopped.Terminal())
	require.False(t, StatusPending.Terminal())
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	require.ErrorIs(t, &NavigationTimeoutError{Town: "Soweto", Industry: "Bakeries", Err: base}, base)
	require.ErrorIs(t, &BrowserLaunchError{Err: base}, base)
	require.ErrorIs(t, &PersistenceError{Op: "append", Err: ErrNotFound}, ErrNotFound)
	require.Contains(t, (&NavigationTimeoutError{Town: "Soweto", Industry: "Bakeries", Err: base}).Error(), "Bakeries in Soweto")
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"+27 82 123 4567":  "0821234567",
		"27821234567":      "0821234567",
		"082-123-4567":     "0821234567",
		"(011) 555 1234":   "0115551234",
		"+44 20 7946 0958": "442079460958",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizePhone(in), in)
	}
}
