// Package nim is the cloud backend for structure and affinity prediction,
// speaking to the NVIDIA NIM Boltz-2 service.
package nim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultBaseURL   = "https://health.api.nvidia.com/v1/biology/mit/boltz2"
	defaultHealthURL = "https://health.api.nvidia.com/v1/health/ready"
)

// Config for the NIM client.
type Config struct {
	BaseURL           string        `yaml:"base_url"`
	HealthURL         string        `yaml:"health_url"`
	APIKey            string        `yaml:"-"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
}

// rateLimiter enforces a minimum interval between API calls.
type rateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

func newRateLimiter(requestsPerSecond float64) *rateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &rateLimiter{interval: time.Duration(float64(time.Second) / requestsPerSecond)}
}

func (rl *rateLimiter) wait(ctx context.Context) error {
	rl.mu.Lock()
	var sleep time.Duration
	if !rl.lastCall.IsZero() {
		if elapsed := time.Since(rl.lastCall); elapsed < rl.interval {
			sleep = rl.interval - elapsed
		}
	}
	rl.lastCall = time.Now().Add(sleep)
	rl.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	log.Debug().Dur("sleep", sleep).Msg("rate limiting API call")
	select {
	case <-time.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apiError carries the HTTP status for classification by the backend layer.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("nim: status %d: %s", e.Status, truncate(e.Body, 200))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Client is the NIM HTTP client with retry and rate limiting. Retries cover
// transport-level flakes (rate limits, gateway errors) on the same
// connection; cross-backend fallback policy lives in the dispatcher.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rateLimiter
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = defaultHealthURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: newRateLimiter(cfg.RequestsPerSecond),
	}
}

// Ready checks credential presence and the service health endpoint.
func (c *Client) Ready(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		return fmt.Errorf("NVIDIA_API_KEY not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

var retryableStatus = map[int]bool{429: true, 500: true, 502: true, 503: true, 504: true}

// do posts a JSON payload with rate limiting and bounded retries for
// retryable status codes.
func (c *Client) do(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.cfg.MaxRetries {
				c.backoff(ctx, attempt, err, 0)
				continue
			}
			return lastErr
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("read response: %w", readErr)
		}

		if resp.StatusCode == http.StatusOK {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			return nil
		}

		lastErr = &apiError{Status: resp.StatusCode, Body: string(respBody)}
		if retryableStatus[resp.StatusCode] && attempt < c.cfg.MaxRetries {
			c.backoff(ctx, attempt, nil, resp.StatusCode)
			continue
		}
		return lastErr
	}
	return lastErr
}

// backoff sleeps with exponential delay and jitter between retries.
func (c *Client) backoff(ctx context.Context, attempt int, cause error, status int) {
	delay := float64(time.Second) * math.Pow(2, float64(attempt))
	delay += delay * 0.25 * (2*rand.Float64() - 1)
	if ceiling := float64(30 * time.Second); delay > ceiling {
		delay = ceiling
	}
	ev := log.Warn().Int("attempt", attempt+1).Dur("delay", time.Duration(delay))
	if cause != nil {
		ev = ev.Err(cause)
	}
	if status != 0 {
		ev = ev.Int("status", status)
	}
	ev.Msg("NIM request failed, retrying")
	select {
	case <-time.After(time.Duration(delay)):
	case <-ctx.Done():
	}
}

// Polymer is one chain submitted for prediction.
type Polymer struct {
	ID           string `json:"id"`
	MoleculeType string `json:"molecule_type"`
	Sequence     string `json:"sequence"`
}

// Ligand is one small molecule submitted alongside the polymers.
type Ligand struct {
	SMILES          string `json:"smiles"`
	PredictAffinity bool   `json:"predict_affinity"`
}

// Prediction is the service's response.
type Prediction struct {
	Structure       string          `json:"structure"`
	Scores          json.RawMessage `json:"scores"`
	BindingAffinity *float64        `json:"binding_affinity"`
}

type predictRequest struct {
	Polymers         []Polymer `json:"polymers"`
	Ligands          []Ligand  `json:"ligands,omitempty"`
	RecyclingSteps   int       `json:"recycling_steps"`
	SamplingSteps    int       `json:"sampling_steps"`
	DiffusionSamples int       `json:"diffusion_samples"`
	OutputFormat     string    `json:"output_format"`
}

// PredictStructure submits polymers and optional ligands for folding.
func (c *Client) PredictStructure(ctx context.Context, polymers []Polymer, ligands []Ligand) (*Prediction, error) {
	if len(polymers) == 0 {
		return nil, fmt.Errorf("at least one polymer is required")
	}
	req := predictRequest{
		Polymers:         polymers,
		Ligands:          ligands,
		RecyclingSteps:   3,
		SamplingSteps:    200,
		DiffusionSamples: 1,
		OutputFormat:     "mmcif",
	}
	var out Prediction
	if err := c.do(ctx, c.cfg.BaseURL+"/predict", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PredictAffinity folds a single protein with one ligand and affinity
// prediction enabled.
func (c *Client) PredictAffinity(ctx context.Context, proteinSequence, ligandSMILES string) (*Prediction, error) {
	polymer := Polymer{ID: "A", MoleculeType: "protein", Sequence: proteinSequence}
	ligand := Ligand{SMILES: ligandSMILES, PredictAffinity: true}
	return c.PredictStructure(ctx, []Polymer{polymer}, []Ligand{ligand})
}
