// Package netmon tracks connectivity for the offline subsystem. The
// platform-reported signal can lag reality, so the state is corrected
// against periodic probes of the server.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/seedtrace/seedtrace/internal/logging"
)

// Prober checks server reachability. api.Client satisfies this.
type Prober interface {
	Ping(ctx context.Context) error
}

// Listener is notified synchronously on every connectivity transition.
type Listener func(online bool)

type listenerEntry struct {
	id int
	fn Listener
}

// Monitor maintains the connectivity state and offline-duration bookkeeping.
// One instance is owned per session by the composition root.
type Monitor struct {
	prober      Prober
	log         logging.Logger
	settleDelay time.Duration
	now         func() time.Time

	mu           sync.Mutex
	online       bool
	offlineSince time.Time
	lastOnline   time.Time
	listeners    []listenerEntry
	nextID       int
	hooks        []func(ctx context.Context)
	settleTimer  *time.Timer
}

// New returns a Monitor that starts offline; the first successful probe (or
// SetOnline call) transitions it online and triggers reconnection work after
// the settle delay.
func New(prober Prober, log logging.Logger, settleDelay time.Duration) *Monitor {
	m := &Monitor{
		prober:      prober,
		log:         log,
		settleDelay: settleDelay,
		now:         time.Now,
	}
	m.offlineSince = m.now()
	return m
}

// Start probes connectivity every interval until ctx is cancelled. It blocks
// and is normally run on its own goroutine.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := m.prober.Ping(probeCtx)
			cancel()
			m.SetOnline(err == nil)
		case <-ctx.Done():
			return
		}
	}
}

// SetOnline applies a connectivity observation, from either the platform
// signal or a probe. Transitions notify listeners synchronously; each
// listener is fault-isolated so one panicking listener cannot suppress
// delivery to the others. A transition to online arms the settle timer;
// reconnection hooks run only if the connection is still up when it fires.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		if online {
			m.lastOnline = m.now()
		}
		m.mu.Unlock()
		return
	}

	m.online = online
	if online {
		m.lastOnline = m.now()
	} else {
		m.offlineSince = m.now()
		if m.settleTimer != nil {
			m.settleTimer.Stop()
			m.settleTimer = nil
		}
	}
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)

	if online {
		m.settleTimer = time.AfterFunc(m.settleDelay, m.runReconnectHooks)
	}
	m.mu.Unlock()

	m.log.Info(context.Background(), "connectivity changed", "online", online)

	for _, entry := range listeners {
		m.notify(entry, online)
	}
}

func (m *Monitor) notify(entry listenerEntry, online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(context.Background(), "connectivity listener panicked", "panic", r)
		}
	}()
	entry.fn(online)
}

func (m *Monitor) runReconnectHooks() {
	m.mu.Lock()
	if !m.online {
		m.mu.Unlock()
		return
	}
	hooks := make([]func(ctx context.Context), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	ctx := context.Background()
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error(ctx, "reconnect hook panicked", "panic", r)
				}
			}()
			hook(ctx)
		}()
	}
}

// Subscribe registers a listener and returns its unsubscribe function, safe
// to call during notification.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: l})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, entry := range m.listeners {
			if entry.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnReconnect registers dependent reconnection work, run after the settle
// delay on every offline→online transition.
func (m *Monitor) OnReconnect(hook func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// IsOnline returns the current connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OfflineSince returns when the device went offline, or nil while online.
func (m *Monitor) OfflineSince() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online {
		return nil
	}
	t := m.offlineSince
	return &t
}

// OfflineDuration returns how long the device has been offline, or zero
// while online.
func (m *Monitor) OfflineDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online {
		return 0
	}
	return m.now().Sub(m.offlineSince)
}

// LastOnline returns the last instant the device was known online; zero if
// it never was.
func (m *Monitor) LastOnline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOnline
}
