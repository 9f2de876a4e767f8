// Package health tracks the reachability of the services LinkDeal depends on
// (PostgreSQL and the identity provider) with periodic background probes.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe wraps a Pinger.
func PingProbe(name string, p Pinger) Probe {
	return Probe{Name: name, Check: p.Ping}
}

// HTTPProbe succeeds when url answers HEAD or GET with a 2xx status.
func HTTPProbe(name, url string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return Probe{Name: name, Check: func(ctx context.Context) error {
		return probeURL(ctx, client, url)
	}}
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(name string, up bool)

type probeState struct {
	fails   int
	lastErr error
}

// Checker runs the probes and remembers consecutive failures per dependency.
// A dependency is reported down once it has failed FailThreshold times in a
// row and up again after its next success.
type Checker struct {
	probes    []Probe
	mu        sync.Mutex
	state     map[string]*probeState
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	state := make(map[string]*probeState, len(probes))
	for _, p := range probes {
		state[p.Name] = &probeState{}
	}
	return &Checker{
		probes: probes,
		state:  state,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start probes once immediately and then on every interval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and waits for them.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	st := h.state[name]
	prev := st.fails
	if err == nil {
		st.fails, st.lastErr = 0, nil
	} else {
		st.fails++
		st.lastErr = err
	}
	count := st.fails
	h.mu.Unlock()

	switch {
	case err == nil && prev >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("dependency", name))
	case count == h.cfg.FailThreshold:
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

// Ping reports an error naming every dependency that is currently down.
// It satisfies the router's health check interface.
func (h *Checker) Ping(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.state))
	for name := range h.state {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs error
	for _, name := range names {
		st := h.state[name]
		if st.fails >= h.cfg.FailThreshold {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, st.lastErr))
		}
	}
	return errs
}

// Status returns whether each dependency is currently considered up.
func (h *Checker) Status() map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]bool, len(h.state))
	for name, st := range h.state {
		out[name] = st.fails < h.cfg.FailThreshold
	}
	return out
}

// probeURL attempts HEAD then GET.
func probeURL(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err = client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
