package bot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/gigglebyte/command"
)

func newTestRegistry(t *testing.T) (*Registry, *fakeDialer, *clockwork.FakeClock) {
	t.Helper()
	d := newFakeDialer()
	clock := clockwork.NewFakeClock()
	r := NewRegistry(context.Background(), Options{
		Dialer: d,
		Jokes:  &fakeJokes{},
		Clock:  clock,
	})
	t.Cleanup(r.Shutdown)
	return r, d, clock
}

func tenantConfig(channel string) (Tenant, Config) {
	cfg := validConfig()
	cfg.Channel = channel
	return Tenant{ID: "id-" + channel, Channel: channel}, cfg
}

func waitOpen(t *testing.T, d *fakeDialer, tenant string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return d.openCount(tenant) == n }, 2*time.Second, 5*time.Millisecond,
		"open connections for %s never reached %d", tenant, n)
}

func TestRegistryStartThenStop(t *testing.T) {
	r, d, clock := newTestRegistry(t)
	tenant, cfg := tenantConfig("alpha")

	require.NoError(t, r.StartOrRestart(tenant, cfg))
	waitOpen(t, d, tenant.ID, 1)

	st, ok := r.Get(tenant.ID)
	require.True(t, ok)
	assert.Equal(t, "alpha", st.Channel)

	r.Stop(tenant.ID)

	assert.Equal(t, 0, d.openCount(tenant.ID))
	_, ok = r.Get(tenant.ID)
	assert.False(t, ok)
	assert.Empty(t, r.List())

	trs := d.dialed(tenant.ID)
	require.Len(t, trs, 1)
	sentBefore := len(trs[0].messages())
	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return len(trs[0].messages()) != sentBefore }, 50*time.Millisecond, 5*time.Millisecond)

	r.mu.Lock()
	assert.Empty(t, r.entries)
	r.mu.Unlock()
}

func TestRegistryStartImmediatelyStopped(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	tenant, cfg := tenantConfig("alpha")

	require.NoError(t, r.StartOrRestart(tenant, cfg))
	r.Stop(tenant.ID)

	assert.Equal(t, 0, d.openCount(tenant.ID))
	for _, tr := range d.dialed(tenant.ID) {
		assert.False(t, tr.isConnected())
	}
}

func TestRegistryRestartStopsOldFirst(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	tenant, cfg := tenantConfig("alpha")

	require.NoError(t, r.StartOrRestart(tenant, cfg))
	waitOpen(t, d, tenant.ID, 1)

	cfg.JokeFrequency = 15
	require.NoError(t, r.StartOrRestart(tenant, cfg))
	waitOpen(t, d, tenant.ID, 1)

	assert.Equal(t, []string{"open id-alpha#1", "close id-alpha", "open id-alpha#2"}, d.history())
	assert.Equal(t, 1, d.peakOpen(tenant.ID))

	st, ok := r.Get(tenant.ID)
	require.True(t, ok)
	assert.Equal(t, 15, st.JokeFrequency)

	trs := d.dialed(tenant.ID)
	require.Len(t, trs, 2)
	assert.Equal(t, 1, trs[0].disconnectCount())
}

func TestRegistryRejectsInvalidConfig(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	tenant, good := tenantConfig("alpha")

	tests := []struct {
		name   string
		tenant Tenant
		mutate func(*Config)
	}{
		{"frequency zero", tenant, func(c *Config) { c.JokeFrequency = 0 }},
		{"frequency too high", tenant, func(c *Config) { c.JokeFrequency = 61 }},
		{"no categories", tenant, func(c *Config) { c.Categories = nil }},
		{"duplicate categories", tenant, func(c *Config) { c.Categories = []string{"pun", "Pun"} }},
		{"duplicate commands", tenant, func(c *Config) {
			c.Commands = command.Set{{Name: "hi", Response: "a"}, {Name: "HI", Response: "b"}}
		}},
		{"missing token", tenant, func(c *Config) { c.Token = " " }},
		{"bad channel", tenant, func(c *Config) { c.Channel = "two words" }},
		{"foreign channel", tenant, func(c *Config) { c.Channel = "someoneelse" }},
		{"missing tenant id", Tenant{Channel: "alpha"}, func(*Config) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := good
			cfg.Categories = append([]string(nil), good.Categories...)
			tt.mutate(&cfg)
			err := r.StartOrRestart(tt.tenant, cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.True(t, IsInvalidConfig(err))
		})
	}
	assert.Empty(t, d.dialed(tenant.ID))
	_, ok := r.Get(tenant.ID)
	assert.False(t, ok)
}

func TestRegistryInvalidRestartKeepsRunningSession(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	tenant, cfg := tenantConfig("alpha")
	require.NoError(t, r.StartOrRestart(tenant, cfg))
	waitOpen(t, d, tenant.ID, 1)

	bad := cfg
	bad.JokeFrequency = 0
	require.ErrorIs(t, r.StartOrRestart(tenant, bad), ErrInvalidConfig)

	st, ok := r.Get(tenant.ID)
	require.True(t, ok)
	assert.Equal(t, StateConnected, st.State)
	assert.Len(t, d.dialed(tenant.ID), 1)
}

func TestRegistryUnknownTenantIsNoop(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Stop("nobody")
	_, ok := r.Get("nobody")
	assert.False(t, ok)

	r.mu.Lock()
	assert.Empty(t, r.entries, "Get and Stop must not create entries")
	r.mu.Unlock()
}

func TestRegistryConcurrentStartSameTenant(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	tenant, cfg := tenantConfig("alpha")

	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			assert.NoError(t, r.StartOrRestart(tenant, cfg))
		}()
	}
	close(gate)
	wg.Wait()

	waitOpen(t, d, tenant.ID, 1)
	assert.Equal(t, 1, d.peakOpen(tenant.ID))

	live := 0
	for _, tr := range d.dialed(tenant.ID) {
		if tr.isConnected() {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Len(t, r.List(), 1)
}

func TestRegistryStress(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	tenants := []string{"alpha", "bravo", "charlie"}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(seed, seed*7+1))
			for i := 0; i < 40; i++ {
				tenant, cfg := tenantConfig(tenants[rng.IntN(len(tenants))])
				switch rng.IntN(3) {
				case 0, 1:
					cfg.JokeFrequency = 1 + rng.IntN(60)
					assert.NoError(t, r.StartOrRestart(tenant, cfg))
				default:
					r.Stop(tenant.ID)
				}
				if st, ok := r.Get(tenant.ID); ok {
					assert.NotEqual(t, StateStopped, st.State)
				}
			}
		}(uint64(w))
	}
	wg.Wait()

	for _, name := range tenants {
		id := "id-" + name
		assert.LessOrEqual(t, d.peakOpen(id), 1, "tenant %s had overlapping connections", id)
		if _, ok := r.Get(id); ok {
			waitOpen(t, d, id, 1)
		} else {
			assert.Equal(t, 0, d.openCount(id))
		}
	}

	r.Shutdown()
	for _, name := range tenants {
		assert.Equal(t, 0, d.openCount("id-"+name))
	}
	assert.Empty(t, r.List())
}

func TestRegistryIndependentTenants(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	a, cfgA := tenantConfig("alpha")
	b, cfgB := tenantConfig("bravo")

	// Alpha never finishes connecting; bravo must not wait on it.
	block := make(chan struct{})
	defer close(block)
	slow := DialerFunc(func(t Tenant, cfg Config) Transport {
		tr := d.Dial(t, cfg).(*fakeTransport)
		if t.ID == a.ID {
			tr.block = block
		}
		return tr
	})
	r.opts.Dialer = slow

	require.NoError(t, r.StartOrRestart(a, cfgA))
	require.NoError(t, r.StartOrRestart(b, cfgB))
	waitOpen(t, d, b.ID, 1)

	st, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StateConnecting, st.State)

	r.Stop(a.ID)
	_, ok = r.Get(a.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, d.openCount(b.ID))
}

func TestRegistryShutdownRejectsStarts(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		tenant, cfg := tenantConfig(fmt.Sprintf("chan%d", i))
		require.NoError(t, r.StartOrRestart(tenant, cfg))
		waitOpen(t, d, tenant.ID, 1)
	}
	assert.Equal(t, 3, r.Len())

	r.Shutdown()
	assert.Equal(t, 0, r.Len())

	tenant, cfg := tenantConfig("late")
	assert.ErrorIs(t, r.StartOrRestart(tenant, cfg), ErrRegistryClosed)
}

func TestRegistryListSorted(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	for _, ch := range []string{"charlie", "alpha", "bravo"} {
		tenant, cfg := tenantConfig(ch)
		require.NoError(t, r.StartOrRestart(tenant, cfg))
		waitOpen(t, d, tenant.ID, 1)
	}
	got := r.List()
	require.Len(t, got, 3)
	assert.Equal(t, "id-alpha", got[0].TenantID)
	assert.Equal(t, "id-bravo", got[1].TenantID)
	assert.Equal(t, "id-charlie", got[2].TenantID)
}

func TestRegistryReadsDoNotWaitOnSlowStop(t *testing.T) {
	r, d, _ := newTestRegistry(t)
	alpha, alphaCfg := tenantConfig("alpha")
	beta, betaCfg := tenantConfig("beta")
	require.NoError(t, r.StartOrRestart(alpha, alphaCfg))
	require.NoError(t, r.StartOrRestart(beta, betaCfg))
	waitOpen(t, d, alpha.ID, 1)
	waitOpen(t, d, beta.ID, 1)

	slow := d.dialed(alpha.ID)[0]
	release := make(chan struct{})
	slow.mu.Lock()
	slow.closeBlock = release
	slow.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		r.Stop(alpha.ID)
		close(stopped)
	}()
	require.Eventually(t, func() bool { return slow.disconnectCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	read := make(chan struct{})
	go func() {
		defer close(read)
		assert.Len(t, r.List(), 2)
		assert.Equal(t, 2, r.Len())
		_, ok := r.Get(alpha.ID)
		assert.True(t, ok)
		st, ok := r.Get(beta.ID)
		assert.True(t, ok)
		assert.Equal(t, "beta", st.Channel)
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatal("status reads blocked behind a stopping session")
	}

	close(release)
	<-stopped
	assert.Equal(t, 1, r.Len())
	_, ok := r.Get(alpha.ID)
	assert.False(t, ok)
}
