// Package health probes the lock store and publishes its reachability.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/lockservice/internal/metrics"
)

// Pinger is implemented by stores that can check their own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSetter receives serving status updates. *health.Server from
// google.golang.org/grpc/health satisfies it.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Prober periodically pings the lock store.
type Prober struct {
	store    Pinger
	status   StatusSetter
	service  string
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.RWMutex
	healthy bool
	lastErr error
}

// NewProber creates a prober that runs at the specified interval. status may be nil.
func NewProber(store Pinger, status StatusSetter, service string, interval time.Duration, logger zerolog.Logger) *Prober {
	timeout := interval
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		store:    store,
		status:   status,
		service:  service,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "store-health").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins probing in a background goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// Healthy reports the result of the last probe.
func (p *Prober) Healthy() (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy, p.lastErr
}

func (p *Prober) run() {
	defer close(p.doneCh)

	p.Probe()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.logger.Info().Msg("store health prober stopped")
			return
		case <-ticker.C:
			p.Probe()
		}
	}
}

// Probe pings the store once and publishes the result.
func (p *Prober) Probe() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err := p.store.Ping(ctx)

	p.mu.Lock()
	wasHealthy := p.healthy
	p.healthy = err == nil
	p.lastErr = err
	p.mu.Unlock()

	metrics.SetStoreUp(err == nil)

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if p.status != nil {
		p.status.SetServingStatus(p.service, status)
	}

	switch {
	case err != nil:
		p.logger.Error().Err(err).Msg("lock store unreachable")
	case !wasHealthy:
		p.logger.Info().Msg("lock store reachable")
	}
}
