package bot

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// EventKind tags a transport Event.
type EventKind int

const (
	EventConnecting EventKind = iota
	EventConnected
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is something the chat transport observed.
type Event struct {
	Kind    EventKind
	Channel string
	Sender  string
	Text    string
	// Self is set for messages authored by the bot's own identity.
	Self bool
	// Reason explains an EventDisconnected.
	Reason string
}

// Transport is one chat connection. Implementations serialize their own
// writes; Send may be called from several goroutines at once.
type Transport interface {
	// Connect blocks until the connection is usable, fails, or ctx ends.
	Connect(ctx context.Context) error
	// Disconnect closes the connection. Safe to call when not connected.
	Disconnect() error
	Send(ctx context.Context, channel, text string) error
	// Events stays open for the transport's lifetime, across reconnects.
	Events() <-chan Event
}

// Dialer builds an unconnected Transport for a tenant.
type Dialer interface {
	Dial(t Tenant, cfg Config) Transport
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(t Tenant, cfg Config) Transport

// Dial calls f.
func (f DialerFunc) Dial(t Tenant, cfg Config) Transport { return f(t, cfg) }

// DefaultReconnectDelay is the pause before a reconnect attempt.
const DefaultReconnectDelay = 5 * time.Second

// ReconnectPolicy decides how long a disconnected session waits before the
// next connect attempt. Retries never give up; Stop is the only way out.
type ReconnectPolicy struct {
	// Delay is the fixed delay, or the first delay when Exponential is set.
	Delay time.Duration
	// Exponential grows the delay after each failed attempt, up to MaxDelay.
	Exponential bool
	MaxDelay    time.Duration
}

func (p ReconnectPolicy) backOff() backoff.BackOff {
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if !p.Exponential {
		return backoff.NewConstantBackOff(delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < delay {
		b.MaxInterval = delay
	}
	b.Reset()
	return b
}

// nextDelay never returns backoff.Stop.
func nextDelay(b backoff.BackOff, fallback time.Duration) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		return fallback
	}
	return d
}
