// Package backend monitors the generation backend: reachability, model
// inventory, and optional model provisioning through Ollama's native API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultHealthTimeout bounds health and inventory calls. An unreachable
// backend should be reported in seconds, not minutes.
const DefaultHealthTimeout = 5 * time.Second

// Monitor checks the generation backend over Ollama's native HTTP API.
type Monitor struct {
	baseURL string
	client  *http.Client
	// pullClient has no overall timeout; model pulls are long-running and
	// bounded by the caller's context instead.
	pullClient *http.Client
}

// NewMonitor creates a monitor for the backend at baseURL (e.g.
// "http://localhost:11434"). timeout <= 0 uses DefaultHealthTimeout.
func NewMonitor(baseURL string, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return &Monitor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		pullClient: &http.Client{},
	}
}

// CheckHealthy reports whether the backend answers its version endpoint.
// The message distinguishes an unreachable backend from one that responds
// with an error status.
func (m *Monitor) CheckHealthy(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/version", nil)
	if err != nil {
		return false, fmt.Sprintf("build health request: %v", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("backend unreachable at %s: %v", m.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("backend reachable but returned status %d", resp.StatusCode)
	}

	var version struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return false, fmt.Sprintf("backend reachable but sent malformed response: %v", err)
	}
	return true, fmt.Sprintf("backend healthy (version %s)", version.Version)
}

// ListModels returns the names of models the backend has available. Errors
// are returned, never raised; callers get an empty list alongside the error.
func (m *Monitor) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, md := range tags.Models {
		names = append(names, md.Name)
	}
	return names, nil
}

// IsModelAvailable reports whether any installed model matches name.
// Matching is substring containment in either direction, so "llama3.2"
// matches "llama3.2:1b" and vice versa. This is deliberately loose and also
// means "llama3" matches every llama3 variant indifferently.
func (m *Monitor) IsModelAvailable(ctx context.Context, name string) bool {
	models, err := m.ListModels(ctx)
	if err != nil {
		slog.Warn("model availability check failed", "model", name, "error", err)
		return false
	}
	for _, installed := range models {
		if modelNamesMatch(installed, name) {
			return true
		}
	}
	return false
}

func modelNamesMatch(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// EnsureModelAvailable verifies the backend is healthy and the model is
// present, optionally pulling it when missing. Progress lines from a pull are
// delivered through the callback. The returned message explains any failure.
func (m *Monitor) EnsureModelAvailable(ctx context.Context, name string, autoPull bool, progress func(status string)) (bool, string) {
	healthy, msg := m.CheckHealthy(ctx)
	if !healthy {
		return false, msg
	}
	if m.IsModelAvailable(ctx, name) {
		return true, fmt.Sprintf("model %q available", name)
	}
	if !autoPull {
		return false, fmt.Sprintf("model %q not available and auto-pull is disabled", name)
	}

	slog.Info("pulling model", "model", name)
	if err := m.pull(ctx, name, progress); err != nil {
		return false, fmt.Sprintf("pull model %q: %v", name, err)
	}
	if !m.IsModelAvailable(ctx, name) {
		return false, fmt.Sprintf("model %q still missing after pull", name)
	}
	return true, fmt.Sprintf("model %q pulled", name)
}

// pull streams Ollama's NDJSON pull progress, forwarding each status line.
func (m *Monitor) pull(ctx context.Context, name string, progress func(status string)) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.pullClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull returned status %d", resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var line struct {
			Status    string `json:"status"`
			Error     string `json:"error"`
			Completed int64  `json:"completed"`
			Total     int64  `json:"total"`
		}
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode pull progress: %w", err)
		}
		if line.Error != "" {
			return fmt.Errorf("backend reported pull error: %s", line.Error)
		}
		if progress != nil && line.Status != "" {
			status := line.Status
			if line.Total > 0 {
				status = fmt.Sprintf("%s (%d/%d)", line.Status, line.Completed, line.Total)
			}
			progress(status)
		}
	}
}
