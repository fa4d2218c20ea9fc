// Package connectivity folds host online/offline and tab visibility signals
// into a single logical online edge for the sync coordinator.
package connectivity

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/offchat/offchat/bus"
)

// Environment is the injected host surface the monitor observes.
type Environment interface {
	IsOnline() bool
	OnOnline(fn func()) (cancel func())
	OnOffline(fn func()) (cancel func())
	OnVisibilityChange(fn func(visible bool)) (cancel func())
}

// State is a network × visibility condition.
type State string

const (
	OnlineVisible  State = "ONLINE_VISIBLE"
	OnlineHidden   State = "ONLINE_HIDDEN"
	OfflineVisible State = "OFFLINE_VISIBLE"
	OfflineHidden  State = "OFFLINE_HIDDEN"
)

// validTransitions defines allowed state transitions; exactly one of the two
// conditions may flip at a time.
var validTransitions = map[State][]State{
	OnlineVisible:  {OnlineHidden, OfflineVisible},
	OnlineHidden:   {OnlineVisible, OfflineHidden},
	OfflineVisible: {OfflineHidden, OnlineVisible},
	OfflineHidden:  {OfflineVisible, OnlineHidden},
}

// Monitor tracks connectivity state and notifies subscribers on online and
// offline edges. Regaining visibility while online emits a synthetic online
// edge so queues re-drain after a tab wakes up.
type Monitor struct {
	env    Environment
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	subs    map[int]func(online bool)
	next    int
	cancels []func()

	// dispatchMu is held while subscriber callbacks run so that
	// unsubscribing waits for an in-flight delivery to finish.
	dispatchMu sync.Mutex
}

// NewMonitor creates a monitor over the given environment.
func NewMonitor(env Environment, b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		env:    env,
		bus:    b,
		logger: logger,
		subs:   make(map[int]func(bool)),
	}
}

// Start seeds the state from the environment (visibility is assumed until
// the first visibility event) and registers the host callbacks.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.env.IsOnline() {
		m.state = OnlineVisible
	} else {
		m.state = OfflineVisible
	}
	m.mu.Unlock()

	m.cancels = append(m.cancels,
		m.env.OnOnline(func() { m.setOnline(true) }),
		m.env.OnOffline(func() { m.setOnline(false) }),
		m.env.OnVisibilityChange(m.setVisible),
	)
}

// Stop deregisters the host callbacks.
func (m *Monitor) Stop() {
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
}

// IsOnline reports the network half of the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == OnlineVisible || m.state == OnlineHidden
}

// State returns the full current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers a callback fired with true on every online edge
// (including synthetic ones) and false on offline edges. Delivery is
// synchronous; after the returned unsubscribe function returns, the callback
// will not be invoked again. Must not be unsubscribed from inside the
// callback itself.
func (m *Monitor) OnChange(fn func(online bool)) (unsub func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		// Wait out any delivery already in flight.
		m.dispatchMu.Lock()
		m.dispatchMu.Unlock() //nolint:staticcheck // barrier, not a critical section
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	var to State
	switch m.state {
	case OnlineVisible, OfflineVisible:
		to = OfflineVisible
		if online {
			to = OnlineVisible
		}
	default:
		to = OfflineHidden
		if online {
			to = OnlineHidden
		}
	}
	m.transitionLocked(to)
}

func (m *Monitor) setVisible(visible bool) {
	m.mu.Lock()
	online := m.state == OnlineVisible || m.state == OnlineHidden
	var to State
	switch {
	case online && visible:
		to = OnlineVisible
	case online:
		to = OnlineHidden
	case visible:
		to = OfflineVisible
	default:
		to = OfflineHidden
	}
	m.transitionLocked(to)
}

// transitionLocked moves to the new state and emits edges. It is entered
// holding mu and releases it before returning.
func (m *Monitor) transitionLocked(to State) {
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	if !slices.Contains(validTransitions[from], to) {
		m.logger.Debug("connectivity transition rejected",
			zap.String("from", string(from)), zap.String("to", string(to)))
		m.mu.Unlock()
		return
	}
	m.state = to

	wasOnline := from == OnlineVisible || from == OnlineHidden
	isOnline := to == OnlineVisible || to == OnlineHidden
	woke := from == OnlineHidden && to == OnlineVisible

	var edge bool
	var edgeOnline bool
	switch {
	case !wasOnline && isOnline:
		edge, edgeOnline = true, true
	case wasOnline && !isOnline:
		edge, edgeOnline = true, false
	case woke:
		// Synthetic online edge: the tab woke up while still connected.
		edge, edgeOnline = true, true
	}

	var subs []func(bool)
	if edge {
		subs = make([]func(bool), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
		// Taken before mu is released so an unsubscribe cannot slip between
		// capture and delivery.
		m.dispatchMu.Lock()
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed",
		zap.String("from", string(from)), zap.String("to", string(to)))
	if edge {
		m.bus.Publish(bus.Event{Kind: bus.KindConnectivity, Payload: edgeOnline})
		for _, fn := range subs {
			fn(edgeOnline)
		}
		m.dispatchMu.Unlock()
	}
}
