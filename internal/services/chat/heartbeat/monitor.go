// Package heartbeat pings a live connection on a fixed period.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/termchat/internal/platform/telemetry/metrics"
	"github.com/louisbranch/termchat/internal/platform/timeouts"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
)

// DefaultPeriod is used when a Monitor is built with a non-positive period.
const DefaultPeriod = timeouts.Heartbeat

// SendFunc writes one frame to the monitored connection.
type SendFunc func(ctx context.Context, frame protocol.Frame) error

// Monitor sends a ping every period until its context ends or a ping fails.
type Monitor struct {
	period    time.Duration
	send      SendFunc
	onFailure func(error)
	now       func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithFailureHandler is called once with the send error that stopped the
// monitor. The server uses it to tear the connection down.
func WithFailureHandler(fn func(error)) Option {
	return func(m *Monitor) {
		m.onFailure = fn
	}
}

// WithClock overrides the ping timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a monitor.
func New(period time.Duration, send SendFunc, opts ...Option) *Monitor {
	if period <= 0 {
		period = DefaultPeriod
	}
	m := &Monitor{
		period: period,
		send:   send,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Period returns the ping interval.
func (m *Monitor) Period() time.Duration {
	return m.period
}

// Run blocks until ctx is cancelled (returning nil) or a ping cannot be sent
// (returning the error after invoking the failure handler). No ping is sent
// after cancellation is observed.
func (m *Monitor) Run(ctx context.Context) error {
	if m.send == nil {
		return errors.New("heartbeat send func is required")
	}

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		// A tick and a cancellation can be ready together.
		if ctx.Err() != nil {
			return nil
		}

		err := m.send(ctx, protocol.Ping(m.now()))
		if err == nil {
			metrics.RecordHeartbeat(true)
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		metrics.RecordHeartbeat(false)
		err = fmt.Errorf("send heartbeat: %w", err)
		if m.onFailure != nil {
			m.onFailure(err)
		}
		return err
	}
}
