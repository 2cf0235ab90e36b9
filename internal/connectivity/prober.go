package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kiraleos/accountant-client/internal/remote"
	"github.com/rs/zerolog"
)

// Pinger is satisfied by *remote.Client.
type Pinger interface {
	Health(ctx context.Context) error
}

// Prober derives connectivity from periodic health checks. Only transport
// failures count as offline: a service answering with an error status is
// reachable.
type Prober struct {
	*broadcaster
	pinger   Pinger
	interval time.Duration
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber starts out online so that the first sync is attempted; the first
// probe corrects the state immediately on Start.
func NewProber(pinger Pinger, interval time.Duration, log zerolog.Logger) *Prober {
	return &Prober{
		broadcaster: newBroadcaster(true),
		pinger:      pinger,
		interval:    interval,
		log:         log,
	}
}

// Start probes once synchronously and then every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.Probe(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Probe runs one health check and publishes the result.
func (p *Prober) Probe(ctx context.Context) {
	err := p.pinger.Health(ctx)
	if ctx.Err() != nil {
		return
	}
	online := err == nil || !errors.Is(err, remote.ErrNetworkUnavailable)
	if online != p.Online() {
		p.log.Info().Bool("online", online).AnErr("probe_error", err).Msg("Connectivity changed")
	}
	p.set(online)
}

func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

var _ Monitor = (*Prober)(nil)
