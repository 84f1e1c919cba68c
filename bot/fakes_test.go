package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type sentMsg struct {
	Channel string
	Text    string
}

// fakeTransport records calls and lets tests inject events.
type fakeTransport struct {
	tenant string
	dialer *fakeDialer

	events chan Event

	mu          sync.Mutex
	connectErrs []error
	block       chan struct{}
	sendBlock   chan struct{}
	closeBlock  chan struct{}
	sendErr     error
	connects    int
	disconnects int
	connected   bool
	sent        []sentMsg
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 16)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	var err error
	if len(f.connectErrs) > 0 {
		err, f.connectErrs = f.connectErrs[0], f.connectErrs[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.dialer != nil {
		f.dialer.opened(f.tenant)
	}
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	block := f.closeBlock
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was && f.dialer != nil {
		f.dialer.closed(f.tenant)
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, channel, text string) error {
	f.mu.Lock()
	block := f.sendBlock
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{Channel: channel, Text: text})
	return f.sendErr
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) emit(ev Event) { f.events <- ev }

// dropLink simulates the server closing the connection.
func (f *fakeTransport) dropLink(reason string) {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was && f.dialer != nil {
		f.dialer.closed(f.tenant)
	}
	f.emit(Event{Kind: EventDisconnected, Reason: reason})
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeTransport) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMsg, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// fakeDialer hands out fakeTransports and tracks how many connections are
// open per tenant at once.
type fakeDialer struct {
	mu         sync.Mutex
	transports map[string][]*fakeTransport
	open       map[string]int
	maxOpen    map[string]int
	log        []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		transports: map[string][]*fakeTransport{},
		open:       map[string]int{},
		maxOpen:    map[string]int{},
	}
}

func (d *fakeDialer) Dial(t Tenant, _ Config) Transport {
	tr := newFakeTransport()
	tr.tenant = t.ID
	tr.dialer = d
	d.mu.Lock()
	d.transports[t.ID] = append(d.transports[t.ID], tr)
	d.mu.Unlock()
	return tr
}

func (d *fakeDialer) opened(tenant string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open[tenant]++
	if d.open[tenant] > d.maxOpen[tenant] {
		d.maxOpen[tenant] = d.open[tenant]
	}
	d.log = append(d.log, fmt.Sprintf("open %s#%d", tenant, len(d.transports[tenant])))
}

func (d *fakeDialer) closed(tenant string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open[tenant]--
	d.log = append(d.log, "close "+tenant)
}

func (d *fakeDialer) openCount(tenant string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[tenant]
}

func (d *fakeDialer) peakOpen(tenant string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen[tenant]
}

func (d *fakeDialer) dialed(tenant string) []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTransport(nil), d.transports[tenant]...)
}

func (d *fakeDialer) history() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

// fakeJokes returns numbered jokes and records requested categories.
type fakeJokes struct {
	calls atomic.Int32
	mu    sync.Mutex
	cats  [][]string
}

func (j *fakeJokes) Fetch(_ context.Context, categories []string) string {
	n := j.calls.Add(1)
	j.mu.Lock()
	j.cats = append(j.cats, append([]string(nil), categories...))
	j.mu.Unlock()
	return fmt.Sprintf("joke #%d", n)
}

func (j *fakeJokes) categories() [][]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([][]string(nil), j.cats...)
}

var errBoom = errors.New("boom")
