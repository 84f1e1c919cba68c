package bot

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/gigglebyte/joke"
)

// Options configures a Registry.
type Options struct {
	Dialer    Dialer
	Jokes     joke.Source
	Clock     clockwork.Clock
	Reconnect ReconnectPolicy
	Logger    *slog.Logger
}

// entry holds one tenant's session. mu serializes start/stop/restart for the
// tenant; refs counts callers holding or waiting on mu. session is written
// only with both mu and Registry.mu held, so either lock is enough to read it.
type entry struct {
	mu      sync.Mutex
	session *Session
	refs    int
}

// Registry is the process-wide table of bot sessions keyed by tenant id. At
// most one session per tenant is running at any time.
type Registry struct {
	ctx  context.Context
	opts Options
	log  *slog.Logger

	mu      sync.Mutex // guards entries, closed and entry.session; never held across a Stop
	entries map[string]*entry
	closed  bool
}

// NewRegistry returns an empty registry. Sessions inherit ctx; canceling it
// stops them all.
func NewRegistry(ctx context.Context, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		ctx:     ctx,
		opts:    opts,
		log:     opts.Logger.With(slog.String("component", "registry")),
		entries: make(map[string]*entry),
	}
}

// lock returns the tenant's entry with its mutex held. With create unset a
// missing tenant yields nil.
func (r *Registry) lock(id string, create bool) (*entry, error) {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		if !create {
			r.mu.Unlock()
			return nil, nil
		}
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		e = &entry{}
		r.entries[id] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return e, nil
}

func (r *Registry) unlock(id string, e *entry) {
	e.mu.Unlock()
	r.mu.Lock()
	e.refs--
	// refs == 0 means nobody else can reach e.mu, so reading session is safe.
	if e.refs == 0 && e.session == nil {
		delete(r.entries, id)
	}
	r.mu.Unlock()
}

// StartOrRestart validates cfg, fully stops the tenant's current session if
// there is one, then starts a new session with cfg.
func (r *Registry) StartOrRestart(t Tenant, cfg Config) error {
	if err := cfg.validateFor(t); err != nil {
		return err
	}
	cfg = cfg.normalized()
	if r.ctx.Err() != nil {
		return ErrRegistryClosed
	}
	if r.opts.Dialer == nil {
		return errors.New("bot: registry has no dialer")
	}

	e, err := r.lock(t.ID, true)
	if err != nil {
		return err
	}
	defer r.unlock(t.ID, e)

	if e.session != nil {
		r.log.Info("restarting bot session", slog.String("tenant", t.ID))
		e.session.Stop()
		r.publish(e, nil)
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRegistryClosed
	}

	if t.Channel == "" {
		t.Channel = cfg.Channel
	}
	tr := r.opts.Dialer.Dial(t, cfg)
	s := NewSession(t, cfg, tr, SessionOptions{
		Jokes:     r.opts.Jokes,
		Clock:     r.opts.Clock,
		Reconnect: r.opts.Reconnect,
		Logger:    r.opts.Logger,
	})
	if err := s.Start(r.ctx); err != nil {
		s.Stop()
		return err
	}
	r.publish(e, s)
	return nil
}

// publish swaps the entry's session. The caller holds e.mu.
func (r *Registry) publish(e *entry, s *Session) {
	r.mu.Lock()
	e.session = s
	r.mu.Unlock()
}

// Stop stops and forgets the tenant's session. Unknown tenants are a no-op.
func (r *Registry) Stop(tenantID string) {
	e, _ := r.lock(tenantID, false)
	if e == nil {
		return
	}
	defer r.unlock(tenantID, e)
	if e.session == nil {
		return
	}
	e.session.Stop()
	r.publish(e, nil)
	r.log.Info("bot session removed", slog.String("tenant", tenantID))
}

// Get returns the tenant's session status without changing anything. It
// never waits on a tenant's start or stop.
func (r *Registry) Get(tenantID string) (Status, bool) {
	r.mu.Lock()
	var s *Session
	if e := r.entries[tenantID]; e != nil {
		s = e.session
	}
	r.mu.Unlock()
	if s == nil {
		return Status{}, false
	}
	return s.Status(), true
}

// List returns the status of every registered session ordered by tenant id.
func (r *Registry) List() []Status {
	sessions := r.sessions()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Len reports how many tenants currently have a session.
func (r *Registry) Len() int {
	return len(r.sessions())
}

func (r *Registry) sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if e.session != nil {
			out = append(out, e.session)
		}
	}
	return out
}

func (r *Registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every session and rejects further starts.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	ids := r.ids()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.Stop(id)
		}(id)
	}
	wg.Wait()
	r.log.Info("registry shut down", slog.Int("sessions", len(ids)))
}

// IsInvalidConfig reports whether err came from configuration validation.
func IsInvalidConfig(err error) bool { return errors.Is(err, ErrInvalidConfig) }
