package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeConfig holds settings for the HTTP probe monitor.
type ProbeConfig struct {
	URLs     []string      `yaml:"urls"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// errProbeOnline short-circuits the probe group on the first reachable URL.
var errProbeOnline = errors.New("probe reached")

// ProbeMonitor decides connectivity by HEADing probe URLs on an interval.
// The URLs are raced in parallel; any HTTP response from any of them counts
// as online, so a single dead endpoint cannot fake an offline transition.
type ProbeMonitor struct {
	mu          sync.Mutex
	cfg         ProbeConfig
	hc          *http.Client
	log         *slog.Logger
	online      bool
	known       bool // false until the first probe completes
	subscribers map[int]func(online bool)
	nextSubID   int
	stop        chan struct{}
	done        chan struct{}
}

// NewProbeMonitor creates a monitor; call Start to begin probing.
func NewProbeMonitor(cfg ProbeConfig) *ProbeMonitor {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ProbeMonitor{
		cfg:         cfg,
		hc:          &http.Client{},
		log:         slog.Default(),
		subscribers: make(map[int]func(online bool)),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the probe loop. It probes once immediately so subscribers
// registered before Start see the first real state.
func (m *ProbeMonitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)

		m.probe(ctx)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *ProbeMonitor) Stop() {
	close(m.stop)
	<-m.done
}

// OnChange registers cb for transitions.
func (m *ProbeMonitor) OnChange(cb func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = cb

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Current probes immediately and returns the result.
func (m *ProbeMonitor) Current(ctx context.Context) (bool, error) {
	return m.probe(ctx), nil
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(probeCtx)
	for _, url := range m.cfg.URLs {
		url := url
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodHead, url, nil)
			if err != nil {
				return nil
			}
			resp, err := m.hc.Do(req)
			if err != nil {
				return nil // unreachable, let the others decide
			}
			resp.Body.Close()
			return errProbeOnline // cancels the remaining probes
		})
	}

	online := errors.Is(g.Wait(), errProbeOnline)
	m.record(online)
	return online
}

// record updates state and notifies subscribers on a transition. Callbacks
// run outside the lock so a subscriber can re-enter the monitor.
func (m *ProbeMonitor) record(online bool) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true

	var cbs []func(bool)
	if changed {
		for _, cb := range m.subscribers {
			cbs = append(cbs, cb)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.log.Info("connectivity changed", "online", online)
	for _, cb := range cbs {
		cb(online)
	}
}
