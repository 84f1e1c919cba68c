package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/time/rate"

	"github.com/onnwee/gigglebyte/bot"
	"github.com/onnwee/gigglebyte/command"
)

// ErrNotConnected is returned by Send when there is no live IRC connection.
var ErrNotConnected = errors.New("chat: not connected")

const (
	// DefaultRateLimit is the number of messages allowed per RateWindow.
	DefaultRateLimit = 20
	RateWindow       = 30 * time.Second

	eventBuffer = 64
)

// Options configures every connection a Dialer produces.
type Options struct {
	// Username is the bot account's login.
	Username string
	// IRCAddress overrides the library default (irc.chat.twitch.tv).
	IRCAddress string
	TLS        bool
	// RateLimit is messages per RateWindow; zero means DefaultRateLimit.
	RateLimit int
}

// Dialer builds a Conn per bot session.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer using opts for every connection.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial implements bot.Dialer.
func (d *Dialer) Dial(t bot.Tenant, cfg bot.Config) bot.Transport {
	ch := cfg.Channel
	if ch == "" {
		ch = t.Channel
	}
	return NewConn(d.opts, ch, cfg.Token)
}

// Conn is one tenant's chat connection. It may be connected, dropped and
// connected again; Events stays the same channel throughout.
type Conn struct {
	opts    Options
	channel string
	token   string
	events  chan bot.Event
	limiter *rate.Limiter
	log     *slog.Logger

	sendMu sync.Mutex

	mu        sync.Mutex
	client    *twitch.Client
	gen       uint64
	connected bool

	// Pending events waiting for room in events. Only message events count
	// against eventBuffer; connection events are always queued.
	qmu        sync.Mutex
	queue      []bot.Event
	queuedMsgs int
	pumping    bool
	quit       chan struct{}
	quitClosed bool
}

// NewConn returns an unconnected Conn for channel.
func NewConn(opts Options, channel, token string) *Conn {
	n := opts.RateLimit
	if n <= 0 {
		n = DefaultRateLimit
	}
	opts.Username = strings.ToLower(opts.Username)
	channel = bot.NormalizeChannel(channel)
	return &Conn{
		opts:    opts,
		channel: channel,
		token:   strings.TrimPrefix(token, "oauth:"),
		events:  make(chan bot.Event, eventBuffer),
		limiter: rate.NewLimiter(rate.Every(RateWindow/time.Duration(n)), n),
		log:     slog.Default().With(slog.String("component", "chat"), slog.String("channel", channel)),
		quit:    make(chan struct{}),
	}
}

// Events implements bot.Transport.
func (c *Conn) Events() <-chan bot.Event { return c.events }

// Connected reports whether the IRC handshake has completed and the
// connection has not dropped since.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials IRC, joins the channel, and returns once the server has
// welcomed the client. A connection that completes after ctx ends is closed.
func (c *Conn) Connect(ctx context.Context) error {
	client := twitch.NewClient(c.opts.Username, "oauth:"+c.token)
	client.TLS = c.opts.TLS
	if c.opts.IRCAddress != "" {
		client.IrcAddress = c.opts.IRCAddress
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.client = client
	c.connected = false
	c.mu.Unlock()

	c.qmu.Lock()
	if c.quitClosed {
		c.quit = make(chan struct{})
		c.quitClosed = false
	}
	c.qmu.Unlock()

	ready := make(chan struct{})
	var readyOnce sync.Once
	client.OnConnect(func() {
		first := false
		readyOnce.Do(func() {
			first = true
			close(ready)
		})
		if !first {
			// The library redialed on its own after losing the link.
			c.redialed(gen, client)
		}
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		c.emit(bot.Event{
			Kind:    bot.EventMessage,
			Channel: m.Channel,
			Sender:  m.User.Name,
			Text:    m.Message,
			Self:    strings.EqualFold(m.User.Name, c.opts.Username),
		})
	})
	client.Join(c.channel)

	c.emit(bot.Event{Kind: bot.EventConnecting, Channel: c.channel})
	errc := make(chan error, 1)
	go func() { errc <- client.Connect() }()

	select {
	case <-ready:
		c.mu.Lock()
		current := c.gen == gen
		if current {
			c.connected = true
		}
		c.mu.Unlock()
		if !current {
			_ = client.Disconnect()
			return ErrNotConnected
		}
		c.emit(bot.Event{Kind: bot.EventConnected, Channel: c.channel})
		go c.watch(gen, errc)
		return nil

	case err := <-errc:
		c.forget(gen)
		if err == nil {
			err = errors.New("connection closed during handshake")
		}
		return fmt.Errorf("irc connect: %w", err)

	case <-ctx.Done():
		c.forget(gen)
		go func() {
			select {
			case <-ready:
				_ = client.Disconnect()
				<-errc
			case <-errc:
			}
		}()
		return ctx.Err()
	}
}

// watch waits for the client to exit and reports drops nobody asked for.
func (c *Conn) watch(gen uint64, errc <-chan error) {
	err := <-errc
	c.mu.Lock()
	unsolicited := c.gen == gen && c.connected
	if c.gen == gen {
		c.connected = false
		c.client = nil
	}
	c.mu.Unlock()
	if !unsolicited {
		return
	}
	reason := "connection closed"
	if err != nil {
		reason = err.Error()
	}
	c.log.Warn("irc connection dropped", slog.String("reason", reason))
	c.emit(bot.Event{Kind: bot.EventDisconnected, Channel: c.channel, Reason: reason})
}

// redialed reports a drop the library already recovered from, and stops the
// library's connection so the session's reconnect policy decides when to
// dial again. go-twitch-irc only exposes a drop through the next OnConnect.
func (c *Conn) redialed(gen uint64, client *twitch.Client) {
	c.mu.Lock()
	current := c.gen == gen && c.connected
	if current {
		c.gen++
		c.connected = false
		c.client = nil
	}
	c.mu.Unlock()
	_ = client.Disconnect()
	if !current {
		return
	}
	const reason = "connection lost"
	c.log.Warn("irc connection dropped", slog.String("reason", reason))
	c.emit(bot.Event{Kind: bot.EventDisconnected, Channel: c.channel, Reason: reason})
}

func (c *Conn) forget(gen uint64) {
	c.mu.Lock()
	if c.gen == gen {
		c.client = nil
		c.connected = false
	}
	c.mu.Unlock()
}

// Disconnect closes the current connection without emitting a disconnect
// event. Events still pending delivery are discarded.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	client, wasConnected := c.client, c.connected
	c.gen++
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	c.qmu.Lock()
	if !c.quitClosed {
		close(c.quit)
		c.quitClosed = true
	}
	c.qmu.Unlock()

	if client == nil || !wasConnected {
		return nil
	}
	if err := client.Disconnect(); err != nil {
		return fmt.Errorf("irc disconnect: %w", err)
	}
	return nil
}

// Send writes one PRIVMSG, waiting for rate limit budget first. Text longer
// than Twitch's limit is truncated.
func (c *Conn) Send(ctx context.Context, channel, text string) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chat rate limit: %w", err)
	}
	c.mu.Lock()
	client, ok := c.client, c.connected
	c.mu.Unlock()
	if !ok || client == nil {
		return ErrNotConnected
	}
	if channel == "" {
		channel = c.channel
	}
	client.Say(bot.NormalizeChannel(channel), truncate(text, command.MaxResponseLength))
	return nil
}

// emit never blocks the IRC reader goroutine. When the consumer falls behind,
// chat messages beyond eventBuffer are dropped; connection events never are.
func (c *Conn) emit(ev bot.Event) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if ev.Kind == bot.EventMessage {
		if c.queuedMsgs >= eventBuffer {
			c.log.Warn("chat message dropped; consumer is behind")
			return
		}
		c.queuedMsgs++
	}
	c.queue = append(c.queue, ev)
	if !c.pumping {
		c.pumping = true
		go c.pump()
	}
}

// pump moves queued events into the events channel in order. It exits when
// the queue is empty or Disconnect is called.
func (c *Conn) pump() {
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.pumping = false
			c.qmu.Unlock()
			return
		}
		ev, quit := c.queue[0], c.quit
		c.qmu.Unlock()

		select {
		case c.events <- ev:
			c.qmu.Lock()
			c.queue = c.queue[1:]
			if ev.Kind == bot.EventMessage {
				c.queuedMsgs--
			}
			c.qmu.Unlock()
		case <-quit:
			c.qmu.Lock()
			if c.quit == quit {
				c.queue = nil
				c.queuedMsgs = 0
				c.pumping = false
				c.qmu.Unlock()
				return
			}
			// A new Connect started after the Disconnect; keep delivering.
			c.qmu.Unlock()
		}
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
