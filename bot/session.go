package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gigglebyte/command"
	"github.com/onnwee/gigglebyte/joke"
	"github.com/onnwee/gigglebyte/telemetry"
)

// State is a session's lifecycle position.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateStopped      State = "stopped"
)

// Send kinds, used as metric labels.
const (
	kindWelcome   = "welcome"
	kindScheduled = "scheduled"
	kindJoke      = "joke"
	kindCustom    = "custom"
)

// Status is a point-in-time snapshot of a session.
type Status struct {
	TenantID          string     `json:"tenantId"`
	Channel           string     `json:"channel"`
	State             State      `json:"state"`
	StartedAt         time.Time  `json:"startedAt"`
	ConnectedAt       *time.Time `json:"connectedAt,omitempty"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	LastError         string     `json:"lastError,omitempty"`
	JokeFrequency     int        `json:"jokeFrequency"`
}

// SessionOptions are the collaborators a Session needs besides its transport.
type SessionOptions struct {
	Jokes     joke.Source
	Clock     clockwork.Clock
	Reconnect ReconnectPolicy
	Logger    *slog.Logger
}

// Session runs the bot for one tenant: it keeps the transport connected,
// posts a joke every JokeFrequency minutes and answers chat commands.
//
// All timers and the transport are owned by a single goroutine started by
// Start. Stop cancels that goroutine and waits for it, so nothing the session
// scheduled can fire after Stop returns.
type Session struct {
	tenant    Tenant
	cfg       Config
	transport Transport
	jokes     joke.Source
	clock     clockwork.Clock
	policy    ReconnectPolicy
	backoff   backoff.BackOff
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	connectedAt time.Time
	attempts    int
	lastErr     string
	cancel      context.CancelFunc
	done        chan struct{}

	stopOnce sync.Once
	inflight sync.WaitGroup

	// welcomed is owned by the run goroutine.
	welcomed bool
}

// NewSession returns an idle session. cfg is expected to be valid.
func NewSession(t Tenant, cfg Config, tr Transport, opts SessionOptions) *Session {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Jokes == nil {
		opts.Jokes = fallbackSource{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reconnect.Delay <= 0 {
		opts.Reconnect.Delay = DefaultReconnectDelay
	}
	cfg = cfg.normalized()
	return &Session{
		tenant:    t,
		cfg:       cfg,
		transport: tr,
		jokes:     opts.Jokes,
		clock:     opts.Clock,
		policy:    opts.Reconnect,
		backoff:   opts.Reconnect.backOff(),
		log: opts.Logger.With(
			slog.String("component", "bot"),
			slog.String("tenant", t.ID),
			slog.String("channel", cfg.Channel),
		),
		state: StateIdle,
	}
}

// Start begins connecting in the background. The session runs until Stop is
// called or ctx is canceled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateStopped:
		s.mu.Unlock()
		return ErrSessionStopped
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateConnecting
	s.startedAt = s.clock.Now()
	// Created here rather than in run so the first tick is anchored to Start.
	ticker := s.clock.NewTicker(time.Duration(s.cfg.JokeFrequency) * time.Minute)
	s.mu.Unlock()

	telemetry.SessionStarted()
	s.log.Info("bot session starting", slog.Int("joke_frequency_min", s.cfg.JokeFrequency))
	go s.run(ctx, ticker)
	return nil
}

// Stop cancels timers, closes the transport and marks the session stopped.
// It is safe to call more than once and on a session that never started.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel, done := s.cancel, s.done
		if cancel == nil {
			s.state = StateStopped
		}
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-done
	})
}

// Done is closed once a started session has fully stopped. It is nil before Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for introspection.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		TenantID:          s.tenant.ID,
		Channel:           s.cfg.Channel,
		State:             s.state,
		StartedAt:         s.startedAt,
		ReconnectAttempts: s.attempts,
		LastError:         s.lastErr,
		JokeFrequency:     s.cfg.JokeFrequency,
	}
	if !s.connectedAt.IsZero() {
		at := s.connectedAt
		st.ConnectedAt = &at
	}
	return st
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, ticker clockwork.Ticker) {
	var (
		retry  clockwork.Timer
		retryC <-chan time.Time
	)
	defer func() {
		ticker.Stop()
		if retry != nil {
			retry.Stop()
		}
		s.inflight.Wait()
		if err := s.transport.Disconnect(); err != nil {
			s.log.Warn("transport close failed", slog.Any("err", err))
		}
		s.setState(StateStopped)
		telemetry.SessionStopped()
		s.log.Info("bot session stopped")
		close(s.done)
	}()

	// scheduleRetry arms exactly one reconnect timer, then publishes the
	// disconnected state.
	scheduleRetry := func() {
		if retry != nil {
			retry.Stop()
		}
		d := nextDelay(s.backoff, s.policy.Delay)
		retry = s.clock.NewTimer(d)
		retryC = retry.Chan()
		s.setState(StateDisconnected)
		s.log.Info("reconnect scheduled", slog.Duration("delay", d))
	}

	if !s.connect(ctx) {
		if ctx.Err() != nil {
			return
		}
		scheduleRetry()
	}

	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case EventDisconnected:
				if s.State() != StateConnected {
					continue
				}
				s.log.Warn("chat disconnected", slog.String("reason", ev.Reason))
				scheduleRetry()
			case EventMessage:
				s.handleMessage(ctx, ev)
			default:
				s.log.Debug("transport event", slog.String("kind", ev.Kind.String()))
			}

		case <-retryC:
			retry, retryC = nil, nil
			s.mu.Lock()
			s.attempts++
			s.mu.Unlock()
			telemetry.Reconnecting()
			if !s.connect(ctx) {
				if ctx.Err() != nil {
					return
				}
				scheduleRetry()
			}

		case <-ticker.Chan():
			if s.State() != StateConnected {
				s.log.Debug("skipping scheduled joke while not connected")
				continue
			}
			s.spawn(func() { s.sendJoke(ctx, kindScheduled) })
		}
	}
}

// connect runs one connect attempt and reports whether it succeeded.
func (s *Session) connect(ctx context.Context) bool {
	s.setState(StateConnecting)
	if err := s.transport.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.recordError(err)
		s.log.Warn("chat connect failed", slog.Any("err", err))
		return false
	}
	s.mu.Lock()
	s.state = StateConnected
	s.connectedAt = s.clock.Now()
	s.mu.Unlock()
	s.backoff.Reset()
	s.log.Info("chat connected")
	// The welcome goes out once per Start, not after reconnects.
	if !s.welcomed && s.cfg.Welcome != "" {
		s.welcomed = true
		text := s.cfg.Welcome
		s.spawn(func() { s.send(ctx, kindWelcome, text) })
	}
	return true
}

func (s *Session) handleMessage(ctx context.Context, ev Event) {
	if ev.Self {
		return
	}
	res := command.Dispatch(ev.Text, s.cfg.Commands)
	switch res.Kind {
	case command.Joke:
		telemetry.CommandHandled(res.Kind.String())
		s.log.Debug("joke requested", slog.String("user", ev.Sender))
		s.spawn(func() { s.sendJoke(ctx, kindJoke) })
	case command.Reply:
		telemetry.CommandHandled(res.Kind.String())
		s.log.Debug("custom command", slog.String("user", ev.Sender), slog.String("command", res.Name))
		text := res.Text
		s.spawn(func() { s.send(ctx, kindCustom, text) })
	}
}

// spawn runs fn on a goroutine that Stop waits for. Only the run goroutine
// calls spawn, so Add never races the final Wait.
func (s *Session) spawn(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

func (s *Session) sendJoke(ctx context.Context, kind string) {
	text := s.jokes.Fetch(ctx, s.cfg.Categories)
	s.send(ctx, kind, text)
}

// send is best effort: failures are logged and counted, never returned.
func (s *Session) send(ctx context.Context, kind, text string) {
	if ctx.Err() != nil {
		return
	}
	err := s.transport.Send(ctx, s.cfg.Channel, text)
	telemetry.Sent(kind, err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.recordError(err)
		s.log.Warn("chat send failed", slog.String("kind", kind), slog.Any("err", err))
	}
}

type fallbackSource struct{}

func (fallbackSource) Fetch(context.Context, []string) string { return joke.Fallback }
