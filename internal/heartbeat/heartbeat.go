// Package heartbeat implements both sides of liveness detection.
//
// Agents run a Pulser while online: it emits a heartbeat envelope on a
// fixed interval and never waits for a reply. The collector runs a Reaper
// that periodically evicts sessions with no inbound traffic within the
// timeout window.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"transit/internal/protocol"
)

// DefaultTimeoutMultiple is how many missed intervals the collector
// tolerates before evicting a session.
const DefaultTimeoutMultiple = 3

// SendFunc hands a message to the session's outbound path.
type SendFunc func(protocol.Message) error

// Pulser emits heartbeats on a fixed interval.
type Pulser struct {
	interval time.Duration
	send     SendFunc
}

// NewPulser creates a Pulser.
func NewPulser(interval time.Duration, send SendFunc) *Pulser {
	return &Pulser{interval: interval, send: send}
}

// Run emits heartbeats until ctx is done or a send fails. It returns the
// error that stopped it.
func (p *Pulser) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			if err := p.send(protocol.Heartbeat{SentAt: t.UnixMilli()}); err != nil {
				return err
			}
		}
	}
}

// Sweeper evicts entries idle for longer than timeout and reports how many
// were removed.
type Sweeper interface {
	Sweep(now time.Time, timeout time.Duration) int
}

// Reaper periodically sweeps idle collector sessions.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewReaper creates a Reaper. A zero timeout means DefaultTimeoutMultiple
// heartbeat intervals.
func NewReaper(sweeper Sweeper, interval, timeout time.Duration, logger *slog.Logger) *Reaper {
	if timeout <= 0 {
		timeout = DefaultTimeoutMultiple * interval
	}
	return &Reaper{
		sweeper:  sweeper,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "reaper"),
	}
}

// Timeout returns the eviction window.
func (r *Reaper) Timeout() time.Duration {
	return r.timeout
}

// Run sweeps until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.sweeper.Sweep(now, r.timeout); n > 0 {
				r.logger.Info("evicted idle sessions", "count", n, "timeout", r.timeout)
			}
		}
	}
}
