package network

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/liveexam/go/clients"
)

// Config holds network monitor configuration
type Config struct {
	// GracePeriod is how long the device may stay offline before the session is
	// considered detached and must be restored from a fresh server snapshot
	GracePeriod   time.Duration
	ProbeURL      string
	ProbeEndpoint string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() Config {
	return Config{
		GracePeriod:   2 * time.Minute,
		ProbeEndpoint: "/health",
		ProbeInterval: 5 * time.Second,
		ProbeTimeout:  3 * time.Second,
	}
}

// Change describes one transition of the online flag
type Change struct {
	Online bool
	// OfflineFor is the length of the offline period that just ended, zero when going offline
	OfflineFor    time.Duration
	ExceededGrace bool
}

// Prober checks connectivity once
type Prober interface {
	Probe(ctx context.Context) error
}

// Monitor tracks device connectivity and fans changes out to subscribers
type Monitor struct {
	clock clockwork.Clock
	cfg   Config

	mu           sync.Mutex
	online       bool
	offlineSince time.Time
	subscribers  map[uint64]func(Change)
	nextID       uint64
}

// NewMonitor creates a monitor that starts online
func NewMonitor(cfg Config, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		clock:       clock,
		cfg:         cfg,
		online:      true,
		subscribers: make(map[uint64]func(Change)),
	}
}

// SetOnline records the current connectivity. Subscribers are told only about changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	change := Change{Online: online}
	if online {
		change.OfflineFor = now.Sub(m.offlineSince)
		change.ExceededGrace = m.cfg.GracePeriod > 0 && change.OfflineFor > m.cfg.GracePeriod
		m.offlineSince = time.Time{}
	} else {
		m.offlineSince = now
	}
	m.online = online

	subs := make([]func(Change), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if online {
		log.Info().
			Dur("offline_for", change.OfflineFor).
			Bool("exceeded_grace", change.ExceededGrace).
			Msg("network back online")
	} else {
		log.Warn().Msg("network offline")
	}

	for _, fn := range subs {
		fn(change)
	}
}

// IsOnline reports the last known connectivity
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OfflineFor returns how long the device has been offline, zero when online
func (m *Monitor) OfflineFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online {
		return 0
	}
	return m.clock.Since(m.offlineSince)
}

// HasBeenOfflineTooLong reports whether the current offline period exceeds the grace period
func (m *Monitor) HasBeenOfflineTooLong() bool {
	if m.cfg.GracePeriod <= 0 {
		return false
	}
	return m.OfflineFor() > m.cfg.GracePeriod
}

// GracePeriod returns the configured grace period
func (m *Monitor) GracePeriod() time.Duration {
	return m.cfg.GracePeriod
}

// Subscribe registers fn for connectivity changes and returns a func that removes it
func (m *Monitor) Subscribe(fn func(Change)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// Run probes connectivity on every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, prober Prober) {
	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("network probe started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("network probe stopped")
			return
		case <-ticker.Chan():
			m.ProbeOnce(ctx, prober)
		}
	}
}

// ProbeOnce runs a single probe and records the result
func (m *Monitor) ProbeOnce(ctx context.Context, prober Prober) {
	timeout := m.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := prober.Probe(pctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Debug().Err(err).Msg("network probe failed")
	}
	m.SetOnline(err == nil)
}

// HTTPProber probes a health endpoint of the assessment API
type HTTPProber struct {
	client   *clients.BaseClient
	endpoint string
}

// NewHTTPProber creates a prober for baseURL + endpoint
func NewHTTPProber(baseURL, endpoint string) *HTTPProber {
	return &HTTPProber{
		client:   clients.NewBaseClient(baseURL),
		endpoint: endpoint,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	_, err := p.client.Get(ctx, p.endpoint)
	return err
}
