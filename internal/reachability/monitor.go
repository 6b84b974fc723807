// Package reachability decides whether the device is connected. OS network
// snapshots are cross-checked with an HTTP probe and brief drops are
// debounced before consumers see the device as offline.
package reachability

import (
	"context"
	"sync"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/metrics"
	"teamchat/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Options struct {
	Clock         clock.Clock
	ProbeThrottle time.Duration
	Debounce      time.Duration
	Metrics       *metrics.Metrics
}

// Monitor is the connectivity state machine. Subscribers are notified only
// on committed transitions, never on the provisional offline state, one
// transition at a time and in commit order. A subscriber must not call
// Update from its callback.
type Monitor struct {
	prober   Prober
	clock    clock.Clock
	debounce time.Duration
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *logrus.Logger

	mu          sync.Mutex
	state       models.ConnectivityState
	connected   bool
	last        NetState
	probing     bool
	timer       *clock.Timer
	timerGen    uint64
	subscribers map[int]func(bool)
	nextSubID   int
	commitSeq   uint64

	// notifyMu serialises deliveries; a commit older than the last one
	// delivered is dropped.
	notifyMu     sync.Mutex
	deliveredSeq uint64
}

// NewMonitor creates a monitor whose initial committed state is taken
// directly from the startup snapshot.
func NewMonitor(initial NetState, prober Prober, opts Options, logger *logrus.Logger) *Monitor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	throttle := opts.ProbeThrottle
	if throttle <= 0 {
		throttle = constants.DefaultProbeThrottle
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = constants.DefaultOfflineDebounce
	}

	m := &Monitor{
		prober:      prober,
		clock:       clk,
		debounce:    debounce,
		limiter:     rate.NewLimiter(rate.Every(throttle), 1),
		metrics:     opts.Metrics,
		logger:      logger,
		last:        initial,
		subscribers: make(map[int]func(bool), constants.DefaultSubscriberCapacity),
	}
	if initial.Connected() {
		m.state = models.ConnectivityOnline
		m.connected = true
	} else {
		m.state = models.ConnectivityOffline
	}
	if !m.connected {
		m.metrics.ConnectivityChanged(false)
	}
	return m
}

// Connected returns the last committed value.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Monitor) State() models.ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastSnapshot returns the most recent OS snapshot.
func (m *Monitor) LastSnapshot() NetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Subscribe registers fn for committed transitions and returns a function
// that removes it.
func (m *Monitor) Subscribe(fn func(connected bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Update feeds one OS snapshot into the state machine. A disconnected
// snapshot may block for the duration of a probe.
func (m *Monitor) Update(ctx context.Context, state NetState) {
	m.mu.Lock()
	m.last = state
	m.mu.Unlock()

	if state.Connected() {
		m.goOnline("network")
		return
	}
	m.handleDisconnected(ctx, state)
}

func (m *Monitor) handleDisconnected(ctx context.Context, state NetState) {
	m.mu.Lock()
	if m.state == models.ConnectivityOnline {
		m.state = models.ConnectivityProvisionalOffline
	}
	canProbe := m.prober != nil && !m.probing && m.limiter.AllowN(m.clock.Now(), 1)
	if canProbe {
		m.probing = true
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		constants.LogFieldNetType: state.Type,
		"probe":                   canProbe,
	}).Debug("Network reported disconnected")

	if canProbe {
		ok := m.prober.Probe(ctx)
		m.mu.Lock()
		m.probing = false
		m.mu.Unlock()
		if ok {
			m.goOnline("probe")
			return
		}
	}
	m.armDebounce()
}

// armDebounce starts or restarts the offline timer while the state is
// provisional.
func (m *Monitor) armDebounce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != models.ConnectivityProvisionalOffline {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timerGen++
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(m.debounce, func() { m.debounceFired(gen) })
}

func (m *Monitor) debounceFired(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.state != models.ConnectivityProvisionalOffline {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = models.ConnectivityOffline
	seq, subs := m.commitLocked(false)
	m.mu.Unlock()

	m.logger.WithField(constants.LogFieldState, models.ConnectivityOffline).Info("Connectivity lost")
	m.notify(seq, subs, false)
}

func (m *Monitor) goOnline(reason string) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
	m.state = models.ConnectivityOnline
	seq, subs := m.commitLocked(true)
	m.mu.Unlock()

	if subs != nil {
		m.logger.WithFields(logrus.Fields{
			constants.LogFieldState: models.ConnectivityOnline,
			"reason":                reason,
		}).Info("Connectivity restored")
	}
	m.notify(seq, subs, true)
}

// commitLocked records the committed value and returns its sequence
// number with the subscribers to notify, or nil subscribers when the value
// did not change.
func (m *Monitor) commitLocked(connected bool) (uint64, []func(bool)) {
	if m.connected == connected {
		return 0, nil
	}
	m.connected = connected
	m.commitSeq++
	m.metrics.ConnectivityChanged(connected)
	subs := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	return m.commitSeq, subs
}

// notify delivers one commit. Deliveries never overlap, and a commit that
// lost the race to a newer one is skipped, so subscribers always finish on
// the latest committed value.
func (m *Monitor) notify(seq uint64, subs []func(bool), connected bool) {
	if subs == nil {
		return
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if seq <= m.deliveredSeq {
		m.logger.WithField(constants.LogFieldState, connected).Debug("Dropping superseded connectivity notification")
		return
	}
	m.deliveredSeq = seq
	for _, fn := range subs {
		fn(connected)
	}
}

// Stop cancels a pending debounce timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}
