package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dealdesk/leadscraper/internal/logging"
	"github.com/dealdesk/leadscraper/internal/scrape"
)

const defaultCallTimeout = 6 * time.Minute

// Preset describes one session to drive against a running service.
type Preset struct {
	Server      string        `yaml:"server"`
	APIKey      string        `yaml:"api_key"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Towns       []string      `yaml:"towns"`
	Industries  []string      `yaml:"industries"`
	Config      PresetConfig  `yaml:"config"`
}

// PresetConfig mirrors scrape.Config. Zero values fall back to server defaults.
type PresetConfig struct {
	SimultaneousTowns      int  `yaml:"simultaneous_towns"`
	SimultaneousIndustries int  `yaml:"simultaneous_industries"`
	SimultaneousLookups    int  `yaml:"simultaneous_lookups"`
	RetryAttempts          int  `yaml:"retry_attempts"`
	RetryDelayMs           *int `yaml:"retry_delay_ms"`
}

// LoadPreset reads a YAML preset from path.
func LoadPreset(path string) (Preset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, fmt.Errorf("read preset: %w", err)
	}
	var p Preset
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Preset{}, fmt.Errorf("parse preset %s: %w", path, err)
	}
	if p.Server == "" {
		p.Server = "http://localhost:8080"
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = defaultCallTimeout
	}
	return p, nil
}

func (p Preset) startBody() map[string]any {
	cfg := map[string]any{}
	if p.Config.SimultaneousTowns > 0 {
		cfg["simultaneousTowns"] = p.Config.SimultaneousTowns
	}
	if p.Config.SimultaneousIndustries > 0 {
		cfg["simultaneousIndustries"] = p.Config.SimultaneousIndustries
	}
	if p.Config.SimultaneousLookups > 0 {
		cfg["simultaneousLookups"] = p.Config.SimultaneousLookups
	}
	if p.Config.RetryAttempts > 0 {
		cfg["retryAttempts"] = p.Config.RetryAttempts
	}
	if p.Config.RetryDelayMs != nil {
		cfg["retryDelayMs"] = *p.Config.RetryDelayMs
	}
	return map[string]any{
		"towns":      p.Towns,
		"industries": p.Industries,
		"config":     cfg,
	}
}

func newDriveCmd() *cobra.Command {
	var (
		presetPath  string
		serverURL   string
		apiKey      string
		callTimeout time.Duration
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Start a session from a preset and step it to completion",
		Long: `Starts a session on a running service from a YAML preset, then calls
process once per town until the session reaches a terminal status.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			preset, err := LoadPreset(presetPath)
			if err != nil {
				return err
			}
			if serverURL != "" {
				preset.Server = serverURL
			}
			if apiKey != "" {
				preset.APIKey = apiKey
			}
			if callTimeout > 0 {
				preset.CallTimeout = callTimeout
			}
			logger, err := logging.New(logging.Options{Development: true, Level: levelFor(verbose)})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			d := &driver{client: &http.Client{}, preset: preset, logger: logger.Named("drive")}
			res, err := d.run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d/%d towns, %d businesses\n",
				res.Status, res.Progress.CompletedTowns, res.Progress.TotalTowns, res.Progress.TotalBusinesses)
			return nil
		},
	}
	cmd.Flags().StringVar(&presetPath, "preset", "", "path to a YAML session preset")
	cmd.Flags().StringVar(&serverURL, "server", "", "service base URL (overrides the preset)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (overrides the preset)")
	cmd.Flags().DurationVar(&callTimeout, "call-timeout", 0, "timeout for each process call")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = cmd.MarkFlagRequired("preset")
	return cmd
}

func levelFor(verbose bool) string {
	if verbose {
		return "debug"
	}
	return "info"
}

// driver polls the session API the way an external scheduler would.
type driver struct {
	client *http.Client
	preset Preset
	logger *zap.Logger
}

func (d *driver) run(ctx context.Context) (scrape.StepResult, error) {
	var started struct {
		SessionID string `json:"sessionId"`
	}
	if err := d.call(ctx, http.MethodPost, "/api/scrape/start", d.preset.startBody(), http.StatusAccepted, &started); err != nil {
		return scrape.StepResult{}, fmt.Errorf("start session: %w", err)
	}
	d.logger.Info("session started", zap.String("session_id", started.SessionID))

	for {
		var res scrape.StepResult
		callCtx, cancel := context.WithTimeout(ctx, d.preset.CallTimeout)
		err := d.call(callCtx, http.MethodPost, "/api/scrape/"+started.SessionID+"/process", nil, http.StatusOK, &res)
		cancel()
		if err != nil {
			return scrape.StepResult{}, fmt.Errorf("process session %s: %w", started.SessionID, err)
		}
		d.logger.Info("step finished",
			zap.String("session_id", started.SessionID),
			zap.String("status", string(res.Status)),
			zap.Int("completed_towns", res.Progress.CompletedTowns),
			zap.Int("total_towns", res.Progress.TotalTowns),
			zap.Int("total_businesses", res.Progress.TotalBusinesses),
		)
		if !res.HasMore && res.Status.Terminal() {
			return res, nil
		}
	}
}

func (d *driver) call(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(d.preset.Server, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.preset.APIKey != "" {
		req.Header.Set("X-API-Key", d.preset.APIKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &statusError{code: resp.StatusCode, msg: apiErr.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.msg)
}
